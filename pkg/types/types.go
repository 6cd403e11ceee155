package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// LogEntry is one record of an entity's append-only audit log
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// AuditLog is the ordered audit trail carried by every entity
type AuditLog []LogEntry

// Append adds an entry to the log
func (l *AuditLog) Append(t time.Time, message string) {
	*l = append(*l, LogEntry{Timestamp: t, Message: message})
}

// Logged is implemented by every entity that carries an audit log
type Logged interface {
	AuditLog() *AuditLog
}

// PropagationMechanism identifies how a campaign distributes clients
type PropagationMechanism string

const (
	MechanismTwitter            PropagationMechanism = "twitter"
	MechanismEmailAutoresponder PropagationMechanism = "email-autoresponder"
	MechanismStaticDownload     PropagationMechanism = "static-download"
)

// Valid reports whether m is a recognized propagation mechanism
func (m PropagationMechanism) Valid() bool {
	switch m {
	case MechanismTwitter, MechanismEmailAutoresponder, MechanismStaticDownload:
		return true
	}
	return false
}

// PropagationChannel is a named distribution bucket that scopes rotation policy
type PropagationChannel struct {
	ID                            string                 `json:"id"`
	Name                          string                 `json:"name,omitempty"`
	PropagationMechanismTypes     []PropagationMechanism `json:"propagation_mechanism_types,omitempty"`
	PropagatorManagedUpgrades     bool                   `json:"propagator_managed_upgrades,omitempty"`
	NewDiscoveryServersCount      int                    `json:"new_discovery_servers_count,omitempty"`
	NewPropagationServersCount    int                    `json:"new_propagation_servers_count,omitempty"`
	MaxDiscoveryServerAgeInDays   int                    `json:"max_discovery_server_age_in_days,omitempty"`
	MaxPropagationServerAgeInDays int                    `json:"max_propagation_server_age_in_days,omitempty"`
	Logs                          AuditLog               `json:"logs,omitempty"`
}

func (c *PropagationChannel) AuditLog() *AuditLog { return &c.Logs }

// HasMechanism reports whether the channel permits the given mechanism
func (c *PropagationChannel) HasMechanism(m PropagationMechanism) bool {
	for _, have := range c.PropagationMechanismTypes {
		if have == m {
			return true
		}
	}
	return false
}

// RegexReplace is an ordered (regex, replacement) rule sent to clients
type RegexReplace struct {
	Regex   string `json:"regex"`
	Replace string `json:"replace"`
}

// DefaultRegion is the home page region used when no region-specific list exists
const DefaultRegion = "None"

// Sponsor is a branded client configuration
type Sponsor struct {
	ID                   string              `json:"id"`
	Name                 string              `json:"name,omitempty"`
	Banner               string              `json:"banner,omitempty"`
	WebsiteBanner        string              `json:"website_banner,omitempty"`
	WebsiteBannerLink    string              `json:"website_banner_link,omitempty"`
	HomePages            map[string][]string `json:"home_pages,omitempty"`
	MobileHomePages      map[string][]string `json:"mobile_home_pages,omitempty"`
	Campaigns            []*Campaign         `json:"campaigns,omitempty"`
	PageViewRegexes      []RegexReplace      `json:"page_view_regexes,omitempty"`
	HTTPSRequestRegexes  []RegexReplace      `json:"https_request_regexes,omitempty"`
	UseDataFromSponsorID string              `json:"use_data_from_sponsor_id,omitempty"`
	Logs                 AuditLog            `json:"logs,omitempty"`
}

func (s *Sponsor) AuditLog() *AuditLog { return &s.Logs }

// CampaignsForChannel returns the sponsor's campaigns bound to a channel
func (s *Sponsor) CampaignsForChannel(channelID string) []*Campaign {
	var out []*Campaign
	for _, c := range s.Campaigns {
		if c.PropagationChannelID == channelID {
			out = append(out, c)
		}
	}
	return out
}

// AccountKind tags the Account variant
type AccountKind string

const (
	AccountNone    AccountKind = ""
	AccountTwitter AccountKind = "twitter"
	AccountEmail   AccountKind = "email"
)

// TwitterAccount holds credentials for tweeting campaign links
type TwitterAccount struct {
	ConsumerKey       string `json:"consumer_key"`
	ConsumerSecret    string `json:"consumer_secret"`
	AccessToken       string `json:"access_token"`
	AccessTokenSecret string `json:"access_token_secret"`
}

// EmailAccount is the autoresponder address of an email campaign
type EmailAccount struct {
	EmailAddress string `json:"email_address"`
}

// Account is a tagged variant: exactly one of Twitter or Email is set for the
// matching Kind, neither for AccountNone
type Account struct {
	Kind    AccountKind     `json:"kind"`
	Twitter *TwitterAccount `json:"twitter,omitempty"`
	Email   *EmailAccount   `json:"email,omitempty"`
}

// Validate checks the variant tag matches the populated field
func (a *Account) Validate() error {
	if a == nil {
		return nil
	}
	switch a.Kind {
	case AccountNone:
		if a.Twitter != nil || a.Email != nil {
			return fmt.Errorf("account without kind carries credentials")
		}
	case AccountTwitter:
		if a.Twitter == nil || a.Email != nil {
			return fmt.Errorf("twitter account requires twitter credentials only")
		}
	case AccountEmail:
		if a.Email == nil || a.Twitter != nil || a.Email.EmailAddress == "" {
			return fmt.Errorf("email account requires an email address only")
		}
	default:
		return fmt.Errorf("unknown account kind %q", a.Kind)
	}
	return nil
}

// Campaign binds a sponsor to a propagation channel through one mechanism.
// Campaigns have no id of their own; they live inside their sponsor.
type Campaign struct {
	PropagationChannelID     string               `json:"propagation_channel_id"`
	PropagationMechanismType PropagationMechanism `json:"propagation_mechanism_type"`
	Account                  *Account             `json:"account,omitempty"`
	S3BucketName             string               `json:"s3_bucket_name,omitempty"`
	Languages                []string             `json:"languages,omitempty"`
	Platforms                []Platform           `json:"platforms,omitempty"`
	CustomDownloadSite       bool                 `json:"custom_download_site,omitempty"`
	Logs                     AuditLog             `json:"logs,omitempty"`
}

func (c *Campaign) AuditLog() *AuditLog { return &c.Logs }

// EmailAddress returns the autoresponder address, or "" for non-email campaigns
func (c *Campaign) EmailAddress() string {
	if c.Account != nil && c.Account.Kind == AccountEmail && c.Account.Email != nil {
		return c.Account.Email.EmailAddress
	}
	return ""
}

// TargetsPlatform reports whether builds for p belong to this campaign. An
// empty platform list means every platform.
func (c *Campaign) TargetsPlatform(p Platform) bool {
	if len(c.Platforms) == 0 {
		return true
	}
	for _, have := range c.Platforms {
		if have == p {
			return true
		}
	}
	return false
}

// Platform is a client build target
type Platform string

const (
	PlatformWindows Platform = "Windows"
	PlatformAndroid Platform = "Android"
)

// Platforms lists every platform builds are produced for
var Platforms = []Platform{PlatformWindows, PlatformAndroid}

// IsMobile reports whether the platform uses mobile home pages
func (p Platform) IsMobile() bool {
	return p == PlatformAndroid
}

// ParsePlatform maps a client-reported platform string such as
// "Android_4.4_com.psiphon3" to a Platform
func ParsePlatform(s string) (Platform, bool) {
	lower := strings.ToLower(s)
	for _, p := range Platforms {
		if strings.HasPrefix(lower, strings.ToLower(string(p))) {
			return p, true
		}
	}
	return "", false
}

// CampaignKey identifies the (channel, sponsor) pair a build is produced for
type CampaignKey struct {
	PropagationChannelID string `json:"propagation_channel_id"`
	SponsorID            string `json:"sponsor_id"`
}

func (k CampaignKey) String() string {
	return k.PropagationChannelID + "/" + k.SponsorID
}

// Host is a machine owned by the network
type Host struct {
	ID                               string    `json:"id"`
	Provider                         string    `json:"provider,omitempty"`
	ProviderID                       string    `json:"provider_id,omitempty"`
	IPAddress                        string    `json:"ip_address,omitempty"`
	SSHPort                          int       `json:"ssh_port,omitempty"`
	SSHUsername                      string    `json:"ssh_username,omitempty"`
	SSHPassword                      string    `json:"ssh_password,omitempty"`
	SSHHostKey                       string    `json:"ssh_host_key,omitempty"`
	StatsSSHUsername                 string    `json:"stats_ssh_username,omitempty"`
	StatsSSHPassword                 string    `json:"stats_ssh_password,omitempty"`
	DatacenterName                   string    `json:"datacenter_name,omitempty"`
	Region                           string    `json:"region,omitempty"`
	MeekServerPort                   int       `json:"meek_server_port,omitempty"`
	MeekServerObfuscatedKey          string    `json:"meek_server_obfuscated_key,omitempty"`
	MeekServerFrontingDomain         string    `json:"meek_server_fronting_domain,omitempty"`
	MeekServerFrontingHost           string    `json:"meek_server_fronting_host,omitempty"`
	MeekCookieEncryptionPublicKey    string    `json:"meek_cookie_encryption_public_key,omitempty"`
	MeekCookieEncryptionPrivateKey   string    `json:"meek_cookie_encryption_private_key,omitempty"`
	AlternateMeekServerFrontingHosts []string  `json:"alternate_meek_server_fronting_hosts,omitempty"`
	CreatedAt                        time.Time `json:"created_at,omitzero"`
	Logs                             AuditLog  `json:"logs,omitempty"`
}

func (h *Host) AuditLog() *AuditLog { return &h.Logs }

// Capability names a protocol a server offers
type Capability string

const (
	CapHandshake     Capability = "handshake"
	CapVPN           Capability = "VPN"
	CapSSH           Capability = "SSH"
	CapOSSH          Capability = "OSSH"
	CapFrontedMeek   Capability = "FRONTED-MEEK"
	CapUnfrontedMeek Capability = "UNFRONTED-MEEK"
)

// AllCapabilities lists every recognized capability in canonical order
var AllCapabilities = []Capability{CapHandshake, CapVPN, CapSSH, CapOSSH, CapFrontedMeek, CapUnfrontedMeek}

// Capabilities is the enabled-capability set of a server
type Capabilities map[Capability]bool

// NewCapabilities builds a set with the given capabilities enabled
func NewCapabilities(caps ...Capability) Capabilities {
	set := make(Capabilities, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	return set
}

// Has reports whether c is enabled
func (c Capabilities) Has(cap Capability) bool {
	return c[cap]
}

// Enabled returns the enabled capabilities in canonical order
func (c Capabilities) Enabled() []Capability {
	var out []Capability
	for _, cap := range AllCapabilities {
		if c[cap] {
			out = append(out, cap)
		}
	}
	return out
}

// Clone returns an independent copy
func (c Capabilities) Clone() Capabilities {
	out := make(Capabilities, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Validate rejects unknown capability names and impossible combinations
func (c Capabilities) Validate() error {
	known := make(map[Capability]bool, len(AllCapabilities))
	for _, cap := range AllCapabilities {
		known[cap] = true
	}
	enabled := 0
	for cap, on := range c {
		if !known[cap] {
			return fmt.Errorf("unknown capability %q", cap)
		}
		if on {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no capabilities enabled")
	}
	// Both meek variants would compete for the host's single meek port
	if c[CapFrontedMeek] && c[CapUnfrontedMeek] {
		return fmt.Errorf("FRONTED-MEEK and UNFRONTED-MEEK are mutually exclusive")
	}
	return nil
}

// Serving reports whether any client-facing tunnel capability remains. A
// disabled server keeps at most VPN pass-through.
func (c Capabilities) Serving() bool {
	return c[CapHandshake] || c[CapSSH] || c[CapOSSH] || c[CapFrontedMeek] || c[CapUnfrontedMeek]
}

// DiscoveryDateRange is the half-open interval [Start, End) during which a
// server is handed out to running clients
type DiscoveryDateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the range
func (r *DiscoveryDateRange) Contains(t time.Time) bool {
	return r != nil && !t.Before(r.Start) && t.Before(r.End)
}

// Ended reports whether the range is over at t
func (r *DiscoveryDateRange) Ended(t time.Time) bool {
	return r != nil && !t.Before(r.End)
}

// ServerRole is derived from a server's flags
type ServerRole string

const (
	RoleEmbedded    ServerRole = "embedded"
	RoleDiscovery   ServerRole = "discovery"
	RolePropagation ServerRole = "propagation"
)

// Server is a logical proxy endpoint on a host
type Server struct {
	ID                          string              `json:"id"`
	HostID                      string              `json:"host_id"`
	IPAddress                   string              `json:"ip_address,omitempty"`
	EgressIPAddress             string              `json:"egress_ip_address,omitempty"`
	InternalIPAddress           string              `json:"internal_ip_address,omitempty"`
	PropagationChannelID        string              `json:"propagation_channel_id,omitempty"`
	IsEmbedded                  bool                `json:"is_embedded,omitempty"`
	IsPermanent                 bool                `json:"is_permanent,omitempty"`
	DiscoveryDateRange          *DiscoveryDateRange `json:"discovery_date_range,omitempty"`
	Capabilities                Capabilities        `json:"capabilities,omitempty"`
	WebServerPort               int                 `json:"web_server_port,omitempty"`
	WebServerSecret             string              `json:"web_server_secret,omitempty"`
	WebServerCertificate        string              `json:"web_server_certificate,omitempty"`
	WebServerPrivateKey         string              `json:"web_server_private_key,omitempty"`
	SSHPort                     int                 `json:"ssh_port,omitempty"`
	SSHUsername                 string              `json:"ssh_username,omitempty"`
	SSHPassword                 string              `json:"ssh_password,omitempty"`
	SSHHostKey                  string              `json:"ssh_host_key,omitempty"`
	SSHObfuscatedPort           int                 `json:"ssh_obfuscated_port,omitempty"`
	SSHObfuscatedKey            string              `json:"ssh_obfuscated_key,omitempty"`
	AlternateSSHObfuscatedPorts []int               `json:"alternate_ssh_obfuscated_ports,omitempty"`
	CreatedAt                   time.Time           `json:"created_at,omitzero"`
	Logs                        AuditLog            `json:"logs,omitempty"`
}

func (s *Server) AuditLog() *AuditLog { return &s.Logs }

// Role classifies the server. Embedded wins over a discovery range; servers
// with neither are propagation servers.
func (s *Server) Role() ServerRole {
	switch {
	case s.IsEmbedded:
		return RoleEmbedded
	case s.DiscoveryDateRange != nil:
		return RoleDiscovery
	default:
		return RolePropagation
	}
}

// Scrub clears every credential and key, leaving identity and topology
func (s *Server) Scrub() {
	s.WebServerSecret = ""
	s.WebServerCertificate = ""
	s.WebServerPrivateKey = ""
	s.SSHPassword = ""
	s.SSHHostKey = ""
	s.SSHObfuscatedKey = ""
}

// ClientVersion is a released client build number for one platform
type ClientVersion struct {
	Version     int       `json:"version"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	Logs        AuditLog  `json:"logs,omitempty"`
}

func (v *ClientVersion) AuditLog() *AuditLog { return &v.Logs }

// KeyPair is a stored keypair. The private key is wrapped with Password;
// PublicKey is DER (PKIX) encoded.
type KeyPair struct {
	Type                string `json:"type"`
	PublicKey           []byte `json:"public_key"`
	EncryptedPrivateKey []byte `json:"encrypted_private_key"`
	Password            string `json:"password"`
}

// SortedKeys returns the keys of a string-keyed map in ascending order
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
