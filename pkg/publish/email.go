package publish

import (
	"bytes"
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"text/template"

	"github.com/psinet-ops/psinet/pkg/psinet"
	"github.com/psinet-ops/psinet/pkg/types"
)

// Email send methods understood by the autoresponder
const (
	SendMethodSES  = "SES"
	SendMethodSMTP = "SMTP"
)

// windowsAttachmentName keeps mail filters from stripping the executable
const windowsAttachmentName = "psiphon3.ex_"

// EmailConfigEntry is one autoresponder rule. Body holds (mime subtype,
// content) pairs; Attachments holds (bucket, key, display name) triples.
type EmailConfigEntry struct {
	EmailAddr   string      `json:"email_addr"`
	Body        [][2]string `json:"body"`
	Attachments [][3]string `json:"attachments"`
	SendMethod  string      `json:"send_method"`
}

type downloadLink struct {
	Platform string
	URL      string
}

var emailPlainTemplate = template.Must(template.New("plain").Parse(
	`To get Psiphon, download the version for your device:
{{range .}}
{{.Platform}}: {{.URL}}{{end}}

If the links are blocked, reply to this message to receive the files as attachments.
`))

var emailHTMLTemplate = htmltemplate.Must(htmltemplate.New("html").Parse(
	`<html><body>
<p>To get Psiphon, download the version for your device:</p>
<ul>{{range .}}
<li><a href="{{.URL}}">{{.Platform}}</a></li>{{end}}
</ul>
<p>If the links are blocked, reply to this message to receive the files as attachments.</p>
</body></html>
`))

func campaignLinks(store ObjectStore, c *types.Campaign) []downloadLink {
	var links []downloadLink
	for _, p := range types.Platforms {
		if c.TargetsPlatform(p) {
			links = append(links, downloadLink{Platform: string(p), URL: store.URL(c.S3BucketName, ClientName(p))})
		}
	}
	return links
}

func campaignAttachments(c *types.Campaign) [][3]string {
	var out [][3]string
	for _, p := range types.Platforms {
		if !c.TargetsPlatform(p) {
			continue
		}
		display := ClientName(p)
		if p == types.PlatformWindows {
			display = windowsAttachmentName
		}
		out = append(out, [3]string{c.S3BucketName, ClientName(p), display})
	}
	return out
}

// EmailConfig builds the autoresponder configuration: for every email
// campaign with a bucket, one SES entry carrying links and one SMTP entry
// carrying the clients as attachments
func EmailConfig(n *psinet.Network, store ObjectStore) ([]EmailConfigEntry, error) {
	entries := []EmailConfigEntry{}
	for _, sc := range n.EmailCampaigns() {
		c := sc.Campaign
		if c.S3BucketName == "" {
			continue
		}
		links := campaignLinks(store, c)

		var plain, html bytes.Buffer
		if err := emailPlainTemplate.Execute(&plain, links); err != nil {
			return nil, fmt.Errorf("failed to render email for %s: %w", c.EmailAddress(), err)
		}
		if err := emailHTMLTemplate.Execute(&html, links); err != nil {
			return nil, fmt.Errorf("failed to render email for %s: %w", c.EmailAddress(), err)
		}
		body := [][2]string{{"plain", plain.String()}, {"html", html.String()}}

		entries = append(entries,
			EmailConfigEntry{
				EmailAddr:  c.EmailAddress(),
				Body:       body,
				SendMethod: SendMethodSES,
			},
			EmailConfigEntry{
				EmailAddr:   c.EmailAddress(),
				Body:        body,
				Attachments: campaignAttachments(c),
				SendMethod:  SendMethodSMTP,
			},
		)
	}
	return entries, nil
}

// EmailConfigJSON serializes EmailConfig
func EmailConfigJSON(n *psinet.Network, store ObjectStore) ([]byte, error) {
	entries, err := EmailConfig(n, store)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(entries, "", "  ")
}
