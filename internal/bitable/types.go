package bitable

import "time"

// Record is one raw row from the upstream table. Fields are heterogeneous:
// text fields arrive as strings or {text: ...} wrappers, selects as arrays,
// attachments as arrays of file descriptors. The mapper package owns all
// interpretation; this package only moves bytes.
type Record struct {
	RecordID    string         `json:"record_id"`
	Fields      map[string]any `json:"fields"`
	CreatedTime int64          `json:"created_time"` // epoch milliseconds
}

// RecordPage is one page of table records.
type RecordPage struct {
	Records    []Record
	NextCursor string // empty when this is the last page
	TotalHint  int    // upstream total row count, 0 when not reported
}

// SignedURL is a temporary download URL for an attachment token.
type SignedURL struct {
	URL       string
	ExpiresAt time.Time
}

// Envelope is the vendor response wrapper shared by all endpoints.
type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type listRecordsResponse struct {
	envelope
	Data struct {
		Items     []Record `json:"items"`
		PageToken string   `json:"page_token"`
		HasMore   bool     `json:"has_more"`
		Total     int      `json:"total"`
	} `json:"data"`
}

type tableMetaResponse struct {
	envelope
	Data struct {
		Revision int `json:"revision"`
	} `json:"data"`
}

type batchURLResponse struct {
	envelope
	Data struct {
		TmpDownloadURLs []struct {
			FileToken      string `json:"file_token"`
			TmpDownloadURL string `json:"tmp_download_url"`
		} `json:"tmp_download_urls"`
	} `json:"data"`
}

type tenantTokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"` // seconds until expiry
}
