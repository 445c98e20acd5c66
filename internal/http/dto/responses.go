package dto

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Detail    any    `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type ListResponse struct {
	OK     bool `json:"ok"`
	Data   any  `json:"data"`
	Limit  int  `json:"limit"`
	Offset int  `json:"offset"`
}
