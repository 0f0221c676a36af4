package racingapi

// entityResponse GET /{kind}s/{id} 的响应体
type entityResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Region      string         `json:"region"`
	Sex         string         `json:"sex,omitempty"`
	DateOfBirth string         `json:"dob,omitempty"`
	Colour      string         `json:"colour,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`

	Sire    *ancestorResponse `json:"sire,omitempty"`
	Dam     *ancestorResponse `json:"dam,omitempty"`
	Damsire *ancestorResponse `json:"damsire,omitempty"`
}

type ancestorResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Region string `json:"region"`
}

// errorResponse 非 2xx 时的错误体
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
