package build

import "strings"

var (
	Version = "dev"
	AppName = "Stationd"
	Slug    = ""
)

func init() {
	if Slug == "" {
		Slug = strings.ToLower(AppName)
	}
}
