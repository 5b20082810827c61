package hitl

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"backend/internal/crm"
	"backend/internal/workflow"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeSMSSender struct {
	sent []string
	err  error
}

func (f *fakeSMSSender) Send(ctx context.Context, to, message string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, to)
	return uuid.NewString(), nil
}

type fakeEmailSender struct {
	sent []string
	err  error
}

func (f *fakeEmailSender) Send(ctx context.Context, to, subject, html, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, to)
	return nil
}

func setupGatewayTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:hitl_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("初始化 sqlite 失败: %v", err)
	}
	if err := db.AutoMigrate(&workflow.HITLNotification{}, &crm.Owner{}); err != nil {
		t.Fatalf("迁移 schema 失败: %v", err)
	}
	return db
}

func seedOwner(t *testing.T, db *gorm.DB, phone, email string) *crm.Owner {
	t.Helper()
	owner := &crm.Owner{ID: uuid.NewString(), Name: "Agent", Phone: phone, Email: email}
	if err := db.Create(owner).Error; err != nil {
		t.Fatalf("写入归属人失败: %v", err)
	}
	return owner
}

func loadNotification(t *testing.T, db *gorm.DB, executionID string) *workflow.HITLNotification {
	t.Helper()
	var notif workflow.HITLNotification
	if err := db.First(&notif, "execution_id = ?", executionID).Error; err != nil {
		t.Fatalf("加载提醒记录失败: %v", err)
	}
	return &notif
}

func TestNotifyApprovalSendsOnBothChannels(t *testing.T) {
	db := setupGatewayTestDB(t)
	owner := seedOwner(t, db, "+15550001111", "agent@example.com")

	sms := &fakeSMSSender{}
	email := &fakeEmailSender{}
	g := NewGateway(db, WithSMSSender(sms), WithEmailSender(email))

	execID := uuid.NewString()
	require.NoError(t, g.NotifyApproval(context.Background(), owner.ID, execID, "Call review pending", "HIGH"))

	notif := loadNotification(t, db, execID)
	require.True(t, notif.SMSSent)
	require.True(t, notif.EmailSent)
	require.Empty(t, notif.LastError)
	require.Equal(t, []string{owner.Phone}, sms.sent)
	require.Equal(t, []string{owner.Email}, email.sent)
}

func TestNotifyApprovalFailedChannelDoesNotBlockOther(t *testing.T) {
	db := setupGatewayTestDB(t)
	owner := seedOwner(t, db, "+15550001111", "agent@example.com")

	sms := &fakeSMSSender{err: errors.New("twilio 503")}
	email := &fakeEmailSender{}
	g := NewGateway(db, WithSMSSender(sms), WithEmailSender(email))

	execID := uuid.NewString()
	// 投递失败不能上抛
	require.NoError(t, g.NotifyApproval(context.Background(), owner.ID, execID, "s", "HIGH"))

	notif := loadNotification(t, db, execID)
	require.False(t, notif.SMSSent)
	require.True(t, notif.EmailSent)
	require.Contains(t, notif.LastError, "twilio 503")

	// 重复调用只补投失败的渠道
	sms.err = nil
	require.NoError(t, g.NotifyApproval(context.Background(), owner.ID, execID, "s", "HIGH"))

	notif = loadNotification(t, db, execID)
	require.True(t, notif.SMSSent)
	require.Equal(t, []string{owner.Phone}, sms.sent)
	require.Len(t, email.sent, 1, "已成功的渠道不应重复投递")

	var count int64
	db.Model(&workflow.HITLNotification{}).Where("execution_id = ?", execID).Count(&count)
	require.EqualValues(t, 1, count, "每个步骤只应有一条提醒记录")
}

func TestNotifyApprovalSkipsChannelsWithoutContact(t *testing.T) {
	db := setupGatewayTestDB(t)
	owner := seedOwner(t, db, "", "agent@example.com") // 没有电话

	sms := &fakeSMSSender{}
	email := &fakeEmailSender{}
	g := NewGateway(db, WithSMSSender(sms), WithEmailSender(email))

	execID := uuid.NewString()
	require.NoError(t, g.NotifyApproval(context.Background(), owner.ID, execID, "s", "HIGH"))

	notif := loadNotification(t, db, execID)
	require.False(t, notif.SMSSent)
	require.True(t, notif.EmailSent)
	require.Empty(t, sms.sent)
}

func TestNotifyApprovalMissingOwnerIsBestEffort(t *testing.T) {
	db := setupGatewayTestDB(t)
	g := NewGateway(db, WithSMSSender(&fakeSMSSender{}), WithEmailSender(&fakeEmailSender{}))

	execID := uuid.NewString()
	require.NoError(t, g.NotifyApproval(context.Background(), uuid.NewString(), execID, "s", "HIGH"))

	// 记录仍然创建，留给面板展示
	notif := loadNotification(t, db, execID)
	require.False(t, notif.SMSSent)
	require.False(t, notif.EmailSent)
}

func TestMarkActionedAndListPending(t *testing.T) {
	db := setupGatewayTestDB(t)
	owner := seedOwner(t, db, "", "agent@example.com")
	g := NewGateway(db, WithEmailSender(&fakeEmailSender{}))

	first := uuid.NewString()
	second := uuid.NewString()
	require.NoError(t, g.NotifyApproval(context.Background(), owner.ID, first, "first", "HIGH"))
	require.NoError(t, g.NotifyApproval(context.Background(), owner.ID, second, "second", "HIGH"))

	pending, err := g.ListPending(context.Background(), owner.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, g.MarkActioned(context.Background(), first))

	pending, err = g.ListPending(context.Background(), owner.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, second, pending[0].ExecutionID)

	notif := loadNotification(t, db, first)
	require.True(t, notif.Actioned)
	require.True(t, notif.Read)
}

func TestMarkRead(t *testing.T) {
	db := setupGatewayTestDB(t)
	owner := seedOwner(t, db, "", "agent@example.com")
	g := NewGateway(db, WithEmailSender(&fakeEmailSender{}))

	execID := uuid.NewString()
	require.NoError(t, g.NotifyApproval(context.Background(), owner.ID, execID, "s", "HIGH"))
	notif := loadNotification(t, db, execID)

	require.NoError(t, g.MarkRead(context.Background(), notif.ID))
	require.True(t, loadNotification(t, db, execID).Read)

	require.ErrorIs(t, g.MarkRead(context.Background(), uuid.NewString()), gorm.ErrRecordNotFound)
}
