package channel

import (
	"strings"

	"backend/internal/crm"
)

// Personalize 用触发实体的字段替换文案里的占位符
// 支持 {firstName} {lastName} {fullName} {businessName} {contactPerson}
// 实体缺失或字段为空时替换为空串，不报错
func Personalize(text string, p *crm.Prospect) string {
	if text == "" || !strings.Contains(text, "{") {
		return text
	}

	var firstName, lastName, fullName, businessName, contactPerson string
	if p != nil {
		firstName = p.FirstName
		lastName = p.LastName
		fullName = p.FullName()
		businessName = p.BusinessName
		contactPerson = p.ContactPerson
	}

	replacer := strings.NewReplacer(
		"{firstName}", firstName,
		"{lastName}", lastName,
		"{fullName}", fullName,
		"{businessName}", businessName,
		"{contactPerson}", contactPerson,
	)
	return replacer.Replace(text)
}
