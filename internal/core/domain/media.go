package domain

// MediaInfo is what the extraction capability reports about a URL
// without downloading anything.
type MediaInfo struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Duration   *float64        `json:"duration,omitempty"`
	Uploader   string          `json:"uploader,omitempty"`
	WebpageURL string          `json:"webpage_url"`
	IsPlaylist bool            `json:"is_playlist"`
	Entries    []PlaylistEntry `json:"entries,omitempty"`
	Formats    []FormatInfo    `json:"formats,omitempty"`
}

// PlaylistEntry is one item of a playlist-shaped URL. Each entry
// becomes its own job when the playlist is enqueued.
type PlaylistEntry struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// FormatInfo describes one encoding available for a single media item.
type FormatInfo struct {
	FormatID   string `json:"format_id"`
	Ext        string `json:"ext"`
	Resolution string `json:"resolution,omitempty"`
	HasVideo   bool   `json:"has_video"`
	HasAudio   bool   `json:"has_audio"`
	Filesize   *int64 `json:"filesize,omitempty"`
}
