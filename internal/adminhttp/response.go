package adminhttp

// Status labels an adminhttp response as either successful or errored.
type Status string

const (
	StatusOK    Status = "OK"
	StatusError Status = "error"
)

// Response is the standard shape for every adminhttp JSON response.
type Response struct {
	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
