package data

// Asset is one downloadable file attached to a release record.
type Asset struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	DownloadURL string `json:"browser_download_url"`
}

// Release is a raw record from the release feed. Only the fields the
// resolver needs are decoded; the cached catalog keeps the full record.
type Release struct {
	TagName    string   `json:"tag_name"`
	Prerelease bool     `json:"prerelease"`
	Assets     []*Asset `json:"assets"`
}
