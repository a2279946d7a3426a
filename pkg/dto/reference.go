package dto

type SubmitReferenceRequest struct {
	Input string `json:"input" binding:"required"`
}

type SubmitReferenceResponse struct {
	Key  string `json:"key"`
	Kind string `json:"kind"` // video, cache
	// Thumbnail is set for video references.
	Thumbnail string `json:"thumbnail,omitempty"`
}

type FormatResponse struct {
	ID       string  `json:"format_id"`
	Ext      string  `json:"ext"`
	Note     string  `json:"note,omitempty"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
	FPS      float64 `json:"fps,omitempty"`
	Video    bool    `json:"video"`
	Audio    bool    `json:"audio"`
	Filesize int64   `json:"filesize,omitempty"`
}

type ResolveResponse struct {
	Key        string           `json:"key"`
	ID         string           `json:"id"`
	Title      string           `json:"title"`
	Uploader   string           `json:"uploader,omitempty"`
	Duration   float64          `json:"duration_seconds"`
	WebpageURL string           `json:"webpage_url"`
	Thumbnail  string           `json:"thumbnail,omitempty"`
	Extractor  string           `json:"extractor"`
	Formats    []FormatResponse `json:"formats"`
}

type ThumbnailResponse struct {
	VideoID string `json:"video_id"`
	URL     string `json:"url"`
}
