package handshake

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Legacy line names. Old clients read these and ignore the Config line.
const (
	lineUpgrade             = "Upgrade"
	lineHomepage            = "Homepage"
	lineServer              = "Server"
	lineSSHPort             = "SSHPort"
	lineSSHUsername         = "SSHUsername"
	lineSSHPassword         = "SSHPassword"
	lineSSHHostKey          = "SSHHostKey"
	lineSSHSessionID        = "SSHSessionID"
	lineSSHObfuscatedPort   = "SSHObfuscatedPort"
	lineSSHObfuscatedKey    = "SSHObfuscatedKey"
	linePageViewRegex       = "PSK"
	linePageViewReplace     = "PSK-Replace"
	lineHTTPSRequestRegex   = "HttpsRequestRegex"
	lineHTTPSRequestReplace = "HttpsRequestReplace"
	lineSpeedTestURL        = "SpeedTestURL"
	lineConfig              = "Config"
)

// Encode renders the response in the legacy line format, one "Name: value"
// per line, followed by a "Config: " line holding the JSON object
func (r *Response) Encode() ([]byte, error) {
	var buf bytes.Buffer
	line := func(name, value string) {
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteByte('\n')
	}

	if r.UpgradeClientVersion != nil {
		line(lineUpgrade, *r.UpgradeClientVersion)
	}
	for _, page := range r.Homepages {
		line(lineHomepage, page)
	}
	for _, entry := range r.EncodedServerList {
		line(lineServer, entry)
	}
	line(lineSSHPort, strconv.Itoa(r.SSHPort))
	line(lineSSHUsername, r.SSHUsername)
	line(lineSSHPassword, r.SSHPassword)
	line(lineSSHHostKey, r.SSHHostKey)
	line(lineSSHSessionID, r.SSHSessionID)
	if r.SSHObfuscatedPort != 0 {
		line(lineSSHObfuscatedPort, strconv.Itoa(r.SSHObfuscatedPort))
		line(lineSSHObfuscatedKey, r.SSHObfuscatedKey)
	}
	for _, rr := range r.PageViewRegexes {
		line(linePageViewRegex, rr.Regex)
		line(linePageViewReplace, rr.Replace)
	}
	for _, rr := range r.HTTPSRequestRegexes {
		line(lineHTTPSRequestRegex, rr.Regex)
		line(lineHTTPSRequestReplace, rr.Replace)
	}
	if r.SpeedTestURL != "" {
		line(lineSpeedTestURL, r.SpeedTestURL)
	}

	config, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode handshake config: %w", err)
	}
	line(lineConfig, string(config))
	return buf.Bytes(), nil
}

// Decode reads the JSON object back out of an encoded response
func Decode(data []byte) (*Response, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	prefix := lineConfig + ": "
	for scanner.Scan() {
		text := scanner.Text()
		if !strings.HasPrefix(text, prefix) {
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(strings.TrimPrefix(text, prefix)), &resp); err != nil {
			return nil, fmt.Errorf("invalid handshake config: %w", err)
		}
		return &resp, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("handshake response has no %s line", lineConfig)
}

// Lines returns every value of a legacy line name, in order
func Lines(data []byte, name string) []string {
	var out []string
	prefix := name + ": "
	for _, text := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(text, prefix) {
			out = append(out, strings.TrimPrefix(text, prefix))
		}
	}
	return out
}
