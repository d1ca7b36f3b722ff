package model

// AuditPage is one page of audit entries, newest first.
type AuditPage struct {
	Data     []*AuditEntry `json:"data"`
	Total    int           `json:"total"`
	Pages    int           `json:"pages"`
	PageNum  int           `json:"pageNum"`
	PageSize int           `json:"pageSize"`
}
