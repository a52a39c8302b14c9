package types

type Version struct {
	Version                   string `json:"version"`
	NbgrindVersionRequired    string `json:"nbgrindVersionRequired"`
	NbgrindVersionRecommended string `json:"nbgrindVersionRecommended"`
}

var CurrentVersion = Version{
	Version:                   "1.2.0",
	NbgrindVersionRequired:    "1.1.0",
	NbgrindVersionRecommended: "1.2.0",
}
