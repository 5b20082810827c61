package channel

import (
	"context"
	"testing"

	"backend/internal/crm"
	"backend/internal/workflow"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestReportGeneratorStashesArtifactID(t *testing.T) {
	db := setupChannelTestDB(t)
	p := seedProspect(t, db, "owner-1")
	gen := NewReportGenerator(db)

	cases := []struct {
		kind    string
		metaKey string
	}{
		{"cma", "cmaReportId"},
		{"market_research", "marketResearchId"},
		{"presentation", "presentationId"},
	}

	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			inst := instanceFor(p)
			inst.Metadata = datatypes.JSONMap{}
			req := &ActionRequest{
				Instance: inst,
				Task:     taskWithActions(),
				Action: &workflow.Action{
					Kind:   workflow.ActionGenerateReport,
					Report: &workflow.GenerateReportAction{Kind: tc.kind},
				},
				Prospect: p,
			}

			result, err := gen.Execute(context.Background(), req)
			require.NoError(t, err)
			require.Equal(t, tc.kind, result["reportKind"])
			require.NotEmpty(t, result["reportId"])
			require.Equal(t, result["reportId"], inst.Metadata[tc.metaKey], "产物 ID 应写入实例元数据")

			var row crm.Report
			require.NoError(t, db.First(&row, "id = ?", result["reportId"]).Error)
			require.Equal(t, tc.kind, row.Kind)
			require.Equal(t, p.ID, row.ProspectID)
		})
	}
}

func TestReportGeneratorRejectsUnknownKind(t *testing.T) {
	db := setupChannelTestDB(t)
	p := seedProspect(t, db, "owner-1")
	gen := NewReportGenerator(db)

	req := &ActionRequest{
		Instance: instanceFor(p),
		Action: &workflow.Action{
			Kind:   workflow.ActionGenerateReport,
			Report: &workflow.GenerateReportAction{Kind: "horoscope"},
		},
		Prospect: p,
	}
	_, err := gen.Execute(context.Background(), req)
	require.Error(t, err)
}

func TestDocumentGeneratorStashesArtifactID(t *testing.T) {
	db := setupChannelTestDB(t)
	p := seedProspect(t, db, "owner-1")
	gen := NewDocumentGenerator(db)

	inst := instanceFor(p)
	inst.Metadata = datatypes.JSONMap{}
	req := &ActionRequest{
		Instance: inst,
		Action: &workflow.Action{
			Kind:     workflow.ActionGenerateDoc,
			Document: &workflow.GenerateDocumentAction{TemplateName: "Offer letter for {fullName}"},
		},
		Prospect: p,
	}

	result, err := gen.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, result["documentId"], inst.Metadata["generatedDocumentId"])

	var row crm.Report
	require.NoError(t, db.First(&row, "id = ?", result["documentId"]).Error)
	require.Equal(t, "document", row.Kind)
	require.Equal(t, "Offer letter for Jane Doe", row.Title)
}

func TestTaskCreatorCreatesTodo(t *testing.T) {
	db := setupChannelTestDB(t)
	p := seedProspect(t, db, "owner-1")
	creator := NewTaskCreator(db)

	req := &ActionRequest{
		Instance: instanceFor(p),
		Action: &workflow.Action{
			Kind: workflow.ActionCreateTask,
			CreateTask: &workflow.CreateTaskAction{
				Title:     "Call {firstName} back",
				DueInDays: 3,
			},
		},
		Prospect: p,
	}

	result, err := creator.Execute(context.Background(), req)
	require.NoError(t, err)

	var todo crm.TodoTask
	require.NoError(t, db.First(&todo, "id = ?", result["todoTaskId"]).Error)
	require.Equal(t, "Call Jane back", todo.Title)
	require.Equal(t, "MEDIUM", todo.Priority, "未指定优先级时应落默认值")
	require.NotNil(t, todo.DueAt)
}
