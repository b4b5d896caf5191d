package device

import "github.com/mssola/useragent"

// Info is the parsed capture-client identity stored on a session so
// the monitoring console can tell which kind of device is streaming.
type Info struct {
	Platform string
	Browser  string
	Mobile   bool
}

// Parse extracts platform and browser from a User-Agent header. An
// empty header yields a zero Info, never an error.
func Parse(uaHeader string) Info {
	if uaHeader == "" {
		return Info{}
	}
	ua := useragent.New(uaHeader)
	name, version := ua.Browser()
	browser := name
	if version != "" {
		browser = name + " " + version
	}
	platform := ua.OS()
	if platform == "" {
		platform = ua.Platform()
	}
	return Info{
		Platform: platform,
		Browser:  browser,
		Mobile:   ua.Mobile(),
	}
}
