package publish

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/psinet-ops/psinet/pkg/types"
)

var websiteTemplate = template.Must(template.New("site").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Psiphon</title></head>
<body>
{{- if .Banner}}
<p>{{if .Link}}<a href="{{.Link}}">{{end}}<img src="data:image/png;base64,{{.Banner}}" alt="">{{if .Link}}</a>{{end}}</p>
{{- end}}
<h1>Download Psiphon</h1>
<ul>
{{- range .Downloads}}
<li><a href="{{.URL}}">{{.Platform}}</a></li>
{{- end}}
</ul>
</body>
</html>
`))

type websiteData struct {
	Banner    template.URL
	Link      string
	Downloads []downloadLink
}

// Website renders a campaign's static download page. The banner and link
// come from the sponsor the page is branded for.
func Website(sponsor *types.Sponsor, campaign *types.Campaign, store ObjectStore) ([]byte, error) {
	data := websiteData{
		Banner:    template.URL(sponsor.WebsiteBanner),
		Link:      sponsor.WebsiteBannerLink,
		Downloads: campaignLinks(store, campaign),
	}
	var buf bytes.Buffer
	if err := websiteTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render website for sponsor %s: %w", sponsor.ID, err)
	}
	return buf.Bytes(), nil
}
