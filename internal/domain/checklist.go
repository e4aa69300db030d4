package domain

// AuditName identifies one audit on the per-domain checklist.
type AuditName string

const (
	AuditAltText                   AuditName = "ALT_TEXT"
	AuditReadingComplexity         AuditName = "READING_COMPLEXITY"
	AuditParagraphing              AuditName = "PARAGRAPHING"
	AuditImageCopyright            AuditName = "IMAGE_COPYRIGHT"
	AuditImagePolicy               AuditName = "IMAGE_POLICY"
	AuditLinks                     AuditName = "LINKS"
	AuditTitles                    AuditName = "TITLES"
	AuditEncrypted                 AuditName = "ENCRYPTED"
	AuditMetadata                  AuditName = "METADATA"
	AuditTextBackgroundContrast    AuditName = "TEXT_BACKGROUND_CONTRAST"
	AuditNonTextBackgroundContrast AuditName = "NON_TEXT_BACKGROUND_CONTRAST"
)

// auditCategories maps each audit name to the category that owns it.
var auditCategories = map[AuditName]AuditCategory{
	AuditAltText:                   CategoryContent,
	AuditReadingComplexity:         CategoryContent,
	AuditParagraphing:              CategoryContent,
	AuditImageCopyright:            CategoryContent,
	AuditImagePolicy:               CategoryContent,
	AuditLinks:                     CategoryInfoArchitecture,
	AuditTitles:                    CategoryInfoArchitecture,
	AuditEncrypted:                 CategoryInfoArchitecture,
	AuditMetadata:                  CategoryInfoArchitecture,
	AuditTextBackgroundContrast:    CategoryAesthetics,
	AuditNonTextBackgroundContrast: CategoryAesthetics,
}

// Category returns the audit category that owns this audit name.
// Unknown names fall back to CONTENT so a drifted checklist entry still
// counts toward some required category instead of silently vanishing.
func (n AuditName) Category() AuditCategory {
	if cat, ok := auditCategories[n]; ok {
		return cat
	}
	return CategoryContent
}

// DefaultAuditNames returns the canonical default checklist used when a page
// audit is created outside a domain audit, or when the enclosing domain audit
// carries no checklist of its own. Accessibility audits are opt-in per domain
// and not part of the default set.
func DefaultAuditNames() []AuditName {
	return []AuditName{
		AuditAltText,
		AuditReadingComplexity,
		AuditParagraphing,
		AuditImageCopyright,
		AuditImagePolicy,
		AuditLinks,
		AuditTitles,
		AuditEncrypted,
		AuditMetadata,
		AuditTextBackgroundContrast,
		AuditNonTextBackgroundContrast,
	}
}
