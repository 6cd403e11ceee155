package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// CurrentSchemaVersion is the schema version written by this build
const CurrentSchemaVersion = "1.4"

// legacySchemaVersion is assumed for documents that predate version tagging
const legacySchemaVersion = "1.0"

// migration rewrites a decoded network document from one schema version to
// the next. Steps only add or reshape fields and are safe to re-run.
type migration struct {
	from  string
	to    string
	apply func(doc map[string]any) error
}

var migrations = []migration{
	{from: "1.0", to: "1.1", apply: addDeletedArchives},
	{from: "1.1", to: "1.2", apply: addDeployQueues},
	{from: "1.2", to: "1.3", apply: capabilityListsToSets},
	{from: "1.3", to: "1.4", apply: addMobileHomePagesAndSpeedTests},
}

// schemaVersion is a parsed "major.minor" version
type schemaVersion struct {
	major, minor int
}

func parseSchemaVersion(v string) (schemaVersion, error) {
	major, minor, ok := strings.Cut(v, ".")
	if !ok {
		return schemaVersion{}, fmt.Errorf("malformed schema version %q", v)
	}
	maj, err := strconv.Atoi(major)
	if err != nil {
		return schemaVersion{}, fmt.Errorf("malformed schema version %q", v)
	}
	mnr, err := strconv.Atoi(minor)
	if err != nil {
		return schemaVersion{}, fmt.Errorf("malformed schema version %q", v)
	}
	return schemaVersion{maj, mnr}, nil
}

func (a schemaVersion) less(b schemaVersion) bool {
	if a.major != b.major {
		return a.major < b.major
	}
	return a.minor < b.minor
}

// Migrate brings a decoded network document from version up to
// CurrentSchemaVersion, applying every step in order. It returns the
// migrated document and the version it ended at. The input is not
// persisted; a failed step leaves nothing half-written.
func Migrate(doc map[string]any, version string) (map[string]any, string, error) {
	if version == "" {
		version = legacySchemaVersion
	}
	from, err := parseSchemaVersion(version)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDataCorruption, err)
	}
	current, _ := parseSchemaVersion(CurrentSchemaVersion)
	if current.less(from) {
		return nil, "", fmt.Errorf("%w: schema version %s is newer than %s", ErrDataCorruption, version, CurrentSchemaVersion)
	}

	for _, m := range migrations {
		step, _ := parseSchemaVersion(m.from)
		if step.less(from) {
			continue
		}
		if m.from != version {
			return nil, "", fmt.Errorf("%w: no migration from %s", ErrSchemaMigrationFailed, version)
		}
		if err := m.apply(doc); err != nil {
			return nil, "", fmt.Errorf("%w: %s -> %s: %v", ErrSchemaMigrationFailed, m.from, m.to, err)
		}
		version = m.to
	}
	return doc, version, nil
}

// ensureObject sets doc[key] to an empty object when absent or null
func ensureObject(doc map[string]any, key string) error {
	switch v := doc[key].(type) {
	case nil:
		doc[key] = map[string]any{}
	case map[string]any:
	default:
		return fmt.Errorf("field %s is %T, want object", key, v)
	}
	return nil
}

func objects(doc map[string]any, key string) (map[string]any, error) {
	if err := ensureObject(doc, key); err != nil {
		return nil, err
	}
	return doc[key].(map[string]any), nil
}

// 1.0 -> 1.1: removed hosts and servers are archived instead of dropped
func addDeletedArchives(doc map[string]any) error {
	for _, key := range []string{"deleted_hosts", "deleted_servers"} {
		if err := ensureObject(doc, key); err != nil {
			return err
		}
	}
	return nil
}

// 1.1 -> 1.2: sponsor websites and provider removals became deploy work
func addDeployQueues(doc map[string]any) error {
	for _, key := range []string{"deploy_website_required_for_sponsors", "hosts_to_remove_from_providers"} {
		if err := ensureObject(doc, key); err != nil {
			return err
		}
	}
	return nil
}

// 1.2 -> 1.3: server capabilities were a list of names, now a name -> enabled set
func capabilityListsToSets(doc map[string]any) error {
	for _, key := range []string{"servers", "deleted_servers"} {
		servers, err := objects(doc, key)
		if err != nil {
			return err
		}
		for id, raw := range servers {
			server, ok := raw.(map[string]any)
			if !ok {
				return fmt.Errorf("server %s is %T, want object", id, raw)
			}
			list, ok := server["capabilities"].([]any)
			if !ok {
				continue
			}
			set := make(map[string]any, len(list))
			for _, name := range list {
				s, ok := name.(string)
				if !ok {
					return fmt.Errorf("server %s has non-string capability %v", id, name)
				}
				set[s] = true
			}
			server["capabilities"] = set
		}
	}
	return nil
}

// 1.3 -> 1.4: sponsors gained mobile home pages, the network speed test URLs
func addMobileHomePagesAndSpeedTests(doc map[string]any) error {
	sponsors, err := objects(doc, "sponsors")
	if err != nil {
		return err
	}
	for id, raw := range sponsors {
		sponsor, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("sponsor %s is %T, want object", id, raw)
		}
		if err := ensureObject(sponsor, "mobile_home_pages"); err != nil {
			return fmt.Errorf("sponsor %s: %w", id, err)
		}
	}
	if _, ok := doc["speed_test_urls"].([]any); !ok {
		doc["speed_test_urls"] = []any{}
	}
	return nil
}
