package processor

// Options controls how raw HTML is cleaned and inventoried
type Options struct {
	BaseURL                   string   // Page URL used to resolve relative links and classify internal/external
	WordCountThreshold        int      // Text blocks with fewer words are dropped from the cleaned HTML
	CSSSelector               string   // When set, only matching elements are kept
	ExcludedTags              []string // Tags removed entirely
	ExcludedSelector          string   // Elements matching this selector are removed
	RemoveOverlayElements     bool     // Remove modals, cookie banners and hidden elements
	RemoveForms               bool     // Remove <form> elements
	ExcludeExternalLinks      bool     // Drop links to other registrable domains
	ExcludeSocialMediaLinks   bool     // Drop links to SocialMediaDomains
	ExcludeSocialMediaDomains []string // Domains treated as social media
	ExcludeDomains            []string // Links to these domains are always dropped
	ExcludeExternalImages     bool     // Drop images hosted on other registrable domains
}

// MediaItem describes one image, video or audio reference found on the page
type MediaItem struct {
	Src    string `json:"src"`
	Alt    string `json:"alt,omitempty"`
	Desc   string `json:"desc,omitempty"`
	Type   string `json:"type"`
	Format string `json:"format,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// Media buckets media references by type
type Media struct {
	Images []MediaItem `json:"images"`
	Videos []MediaItem `json:"videos"`
	Audios []MediaItem `json:"audios"`
}

// Link is a single hyperlink found on the page
type Link struct {
	Href       string `json:"href"`
	Text       string `json:"text,omitempty"`
	Title      string `json:"title,omitempty"`
	BaseDomain string `json:"base_domain"`
}

// Links splits hyperlinks into same-site and off-site sets
type Links struct {
	Internal []Link `json:"internal"`
	External []Link `json:"external"`
}

// Output is the result of processing one page
type Output struct {
	CleanedHTML string
	Media       Media
	Links       Links
	Metadata    map[string]string
}
