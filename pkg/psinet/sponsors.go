package psinet

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/psinet-ops/psinet/pkg/types"
)

// SponsorByName looks up a sponsor by its unique name
func (n *Network) SponsorByName(name string) (*types.Sponsor, error) {
	for _, s := range n.Sponsors {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: sponsor %q", ErrNotFound, name)
}

// Sponsor looks up a sponsor by id
func (n *Network) Sponsor(id string) (*types.Sponsor, error) {
	s, ok := n.Sponsors[id]
	if !ok {
		return nil, fmt.Errorf("%w: sponsor id %s", ErrNotFound, id)
	}
	return s, nil
}

// ListSponsors returns every sponsor ordered by name
func (n *Network) ListSponsors() []*types.Sponsor {
	out := make([]*types.Sponsor, 0, len(n.Sponsors))
	for _, s := range n.Sponsors {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SponsorData returns the sponsor whose home pages and banner stand in for s.
// It follows use_data_from_sponsor_id one level; an unknown reference falls
// back to s itself.
func (n *Network) SponsorData(s *types.Sponsor) *types.Sponsor {
	if s.UseDataFromSponsorID == "" {
		return s
	}
	if other, ok := n.Sponsors[s.UseDataFromSponsorID]; ok {
		return other
	}
	return s
}

// AddSponsor creates a sponsor with no campaigns
func (n *Network) AddSponsor(name string) (*types.Sponsor, error) {
	if err := n.assertLocked(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: sponsor name is required", ErrValidation)
	}
	if _, err := n.SponsorByName(name); err == nil {
		return nil, fmt.Errorf("%w: sponsor %q", ErrDuplicate, name)
	}
	id, err := newID()
	if err != nil {
		return nil, err
	}
	sponsor := &types.Sponsor{
		ID:              id,
		Name:            name,
		HomePages:       make(map[string][]string),
		MobileHomePages: make(map[string][]string),
	}
	n.audit(sponsor, "created")
	n.Sponsors[id] = sponsor
	return sponsor, nil
}

// SetSponsorBanner replaces the banner baked into the sponsor's builds
func (n *Network) SetSponsorBanner(name, bannerBase64 string) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	sponsor, err := n.SponsorByName(name)
	if err != nil {
		return err
	}
	sponsor.Banner = bannerBase64
	n.audit(sponsor, "banner set")
	n.markBuildsForSponsor(sponsor)
	return nil
}

// SetSponsorWebsiteBanner sets the banner and link shown on the sponsor's download site
func (n *Network) SetSponsorWebsiteBanner(name, bannerBase64, link string) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	sponsor, err := n.SponsorByName(name)
	if err != nil {
		return err
	}
	sponsor.WebsiteBanner = bannerBase64
	sponsor.WebsiteBannerLink = link
	n.audit(sponsor, "website banner set")
	n.DeployWebsiteRequiredForSponsors[sponsor.ID] = true
	return nil
}

func normalizeRegion(region string) string {
	if region == "" {
		return types.DefaultRegion
	}
	return region
}

func (n *Network) setHomePage(name, region, url string, mobile bool) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	if url == "" {
		return fmt.Errorf("%w: home page url is required", ErrValidation)
	}
	sponsor, err := n.SponsorByName(name)
	if err != nil {
		return err
	}
	region = normalizeRegion(region)
	pages := &sponsor.HomePages
	kind := "home page"
	if mobile {
		pages = &sponsor.MobileHomePages
		kind = "mobile home page"
	}
	if *pages == nil {
		*pages = make(map[string][]string)
	}
	for _, existing := range (*pages)[region] {
		if existing == url {
			return nil
		}
	}
	(*pages)[region] = append((*pages)[region], url)
	n.audit(sponsor, "%s %s added for region %s", kind, url, region)
	n.DeployDataRequiredForAll = true
	return nil
}

// SetSponsorHomePage adds url to the sponsor's home pages for region
func (n *Network) SetSponsorHomePage(name, region, url string) error {
	return n.setHomePage(name, region, url, false)
}

// SetSponsorMobileHomePage adds url to the sponsor's mobile home pages for region
func (n *Network) SetSponsorMobileHomePage(name, region, url string) error {
	return n.setHomePage(name, region, url, true)
}

// RemoveSponsorHomePage removes url from the sponsor's home pages for region
func (n *Network) RemoveSponsorHomePage(name, region, url string) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	sponsor, err := n.SponsorByName(name)
	if err != nil {
		return err
	}
	region = normalizeRegion(region)
	pages := sponsor.HomePages[region]
	for i, existing := range pages {
		if existing == url {
			pages = append(pages[:i:i], pages[i+1:]...)
			if len(pages) == 0 {
				delete(sponsor.HomePages, region)
			} else {
				sponsor.HomePages[region] = pages
			}
			n.audit(sponsor, "home page %s removed for region %s", url, region)
			n.DeployDataRequiredForAll = true
			return nil
		}
	}
	return fmt.Errorf("%w: home page %s in region %s", ErrNotFound, url, region)
}

func (n *Network) addRegex(name, regex, replace string, https bool) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	if _, err := regexp.Compile(regex); err != nil {
		return fmt.Errorf("%w: invalid regex %q: %v", ErrValidation, regex, err)
	}
	sponsor, err := n.SponsorByName(name)
	if err != nil {
		return err
	}
	rule := types.RegexReplace{Regex: regex, Replace: replace}
	if https {
		sponsor.HTTPSRequestRegexes = append(sponsor.HTTPSRequestRegexes, rule)
		n.audit(sponsor, "https request regex %s added", regex)
	} else {
		sponsor.PageViewRegexes = append(sponsor.PageViewRegexes, rule)
		n.audit(sponsor, "page view regex %s added", regex)
	}
	n.DeployDataRequiredForAll = true
	return nil
}

// AddSponsorPageViewRegex appends a page view (regex, replace) rule
func (n *Network) AddSponsorPageViewRegex(name, regex, replace string) error {
	return n.addRegex(name, regex, replace, false)
}

// AddSponsorHTTPSRequestRegex appends an https request (regex, replace) rule
func (n *Network) AddSponsorHTTPSRequestRegex(name, regex, replace string) error {
	return n.addRegex(name, regex, replace, true)
}

// SetSponsorUseDataFrom makes the sponsor borrow home pages and banner from
// another sponsor. An empty other name clears the override.
func (n *Network) SetSponsorUseDataFrom(name, otherName string) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	sponsor, err := n.SponsorByName(name)
	if err != nil {
		return err
	}
	otherID := ""
	if otherName != "" {
		other, err := n.SponsorByName(otherName)
		if err != nil {
			return err
		}
		if other.ID == sponsor.ID {
			return fmt.Errorf("%w: sponsor cannot use its own data", ErrValidation)
		}
		otherID = other.ID
	}
	sponsor.UseDataFromSponsorID = otherID
	n.audit(sponsor, "use data from sponsor set to %q", otherName)
	n.DeployDataRequiredForAll = true
	n.DeployWebsiteRequiredForSponsors[sponsor.ID] = true
	n.markBuildsForSponsor(sponsor)
	return nil
}
