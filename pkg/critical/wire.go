package critical

// Wire format of the generation job posted to the external service.
// The service echoes Meta back inside the callback's input.args.meta.

// Dimension is one viewport the service renders the page at.
type Dimension struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// JobMeta carries the correlation data for the callback.
type JobMeta struct {
	ResponseURL string `json:"response_url"`
	ObjectType  string `json:"object_type"`
	ObjectID    string `json:"object_id"`
	CSRF        string `json:"csrf"`
	JobID       string `json:"job_id,omitempty"`
}

// JobArgs is the generation input. HTML is nil when the page was too large to inline.
type JobArgs struct {
	Dimensions []Dimension `json:"dimensions"`
	HTML       *string     `json:"html"`
	URL        string      `json:"url"`
	Exclude    []string    `json:"exclude,omitempty"`
	Meta       JobMeta     `json:"meta"`
}

// JobRequest is the top-level body posted to the generation service.
type JobRequest struct {
	Args JobArgs `json:"args"`
}
