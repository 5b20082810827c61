package channel

import (
	"testing"

	"backend/internal/crm"
)

func TestPersonalize(t *testing.T) {
	p := &crm.Prospect{
		FirstName:     "Jane",
		LastName:      "Doe",
		BusinessName:  "Acme Realty",
		ContactPerson: "Jane D.",
	}

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"全部占位符", "Hi {firstName} {lastName} from {businessName}", "Hi Jane Doe from Acme Realty"},
		{"fullName", "Dear {fullName}", "Dear Jane Doe"},
		{"contactPerson", "Attn: {contactPerson}", "Attn: Jane D."},
		{"无占位符原样返回", "plain text", "plain text"},
		{"未知占位符保留", "Hello {unknown}", "Hello {unknown}"},
		{"空文案", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Personalize(tc.in, p); got != tc.want {
				t.Fatalf("Personalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestPersonalizeNilProspect(t *testing.T) {
	if got := Personalize("Hi {firstName}!", nil); got != "Hi !" {
		t.Fatalf("实体缺失时占位符应替换为空串, got %q", got)
	}
}

func TestPersonalizeFullNameFallback(t *testing.T) {
	onlyFirst := &crm.Prospect{FirstName: "Jane"}
	if got := Personalize("{fullName}", onlyFirst); got != "Jane" {
		t.Fatalf("只有名时 fullName 应为名, got %q", got)
	}
	onlyLast := &crm.Prospect{LastName: "Doe"}
	if got := Personalize("{fullName}", onlyLast); got != "Doe" {
		t.Fatalf("只有姓时 fullName 应为姓, got %q", got)
	}
}
