// Package validator validates torrent hashes and magnet links, and
// sanity-checks catalog metadata before it is persisted, caching
// verdicts to avoid re-validating the same magnet repeatedly.
package validator

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

const (
	sha1Length   = 40
	maxCacheSize = 1000
	minFileSize  = 1024 // bytes; size floor for a suspiciously small torrent, not checked by ValidateMetadata
)

var (
	magnetPattern = regexp.MustCompile(`(?i)^magnet:\?xt=urn:btih:([a-fA-F0-9]{40})`)
	sha1Pattern   = regexp.MustCompile(`^[a-fA-F0-9]{40}$`)
)

// cacheEntry is a memoized validation verdict keyed by magnet link.
type cacheEntry struct {
	valid   bool
	message string
}

// Validator validates SHA1 hashes, magnet links, and torrent metadata,
// and maintains a blacklist of hashes that must never be re-injected.
type Validator struct {
	mu        sync.Mutex
	cache     map[string]cacheEntry
	cacheKeys []string // insertion order, for FIFO eviction
	blacklist map[string]struct{}
}

// New builds an empty Validator.
func New() *Validator {
	return &Validator{
		cache:     make(map[string]cacheEntry),
		blacklist: make(map[string]struct{}),
	}
}

// ValidateHash checks that hash is a well-formed, non-degenerate SHA1
// torrent hash, rejecting the all-zero hash and any blacklisted entry.
func (v *Validator) ValidateHash(hash string) (bool, string) {
	clean := strings.ToLower(strings.TrimSpace(hash))
	if clean == "" {
		return false, "empty hash"
	}
	if len(clean) != sha1Length {
		return false, fmt.Sprintf("invalid length: %d (expected %d)", len(clean), sha1Length)
	}
	if !sha1Pattern.MatchString(clean) {
		return false, "invalid hex format"
	}

	v.mu.Lock()
	_, blacklisted := v.blacklist[clean]
	v.mu.Unlock()
	if blacklisted {
		return false, "hash is blacklisted"
	}

	if clean == strings.Repeat("0", sha1Length) {
		return false, "null hash detected"
	}
	if distinctChars(clean) < 3 {
		return false, "suspicious hash: too few distinct characters"
	}

	return true, "valid SHA1 hash"
}

func distinctChars(s string) int {
	seen := make(map[rune]struct{})
	for _, r := range s {
		seen[r] = struct{}{}
	}
	return len(seen)
}

// ExtractHash pulls and validates the btih hash out of a magnet link,
// memoizing the verdict so repeated lookups for the same link are
// free.
func (v *Validator) ExtractHash(magnet string) (bool, string, string) {
	if magnet == "" {
		return false, "", "empty magnet link"
	}

	v.mu.Lock()
	if cached, ok := v.cache[magnet]; ok {
		v.mu.Unlock()
		if !cached.valid {
			return false, "", cached.message
		}
		match := magnetPattern.FindStringSubmatch(magnet)
		hash := ""
		if len(match) == 2 {
			hash = strings.ToLower(match[1])
		}
		return true, hash, cached.message
	}
	v.mu.Unlock()

	if !strings.HasPrefix(magnet, "magnet:") {
		msg := "invalid scheme: expected magnet:"
		v.cacheResult(magnet, false, msg)
		return false, "", msg
	}

	match := magnetPattern.FindStringSubmatch(magnet)
	if match == nil {
		msg := "invalid magnet format or missing hash"
		v.cacheResult(magnet, false, msg)
		return false, "", msg
	}
	extracted := strings.ToLower(match[1])

	if valid, msg := v.ValidateHash(extracted); !valid {
		full := "invalid hash: " + msg
		v.cacheResult(magnet, false, full)
		return false, "", full
	}

	if valid, msg := v.ValidateStructure(magnet); !valid {
		v.cacheResult(magnet, false, msg)
		return false, "", msg
	}

	v.cacheResult(magnet, true, "valid magnet link")
	return true, extracted, "valid magnet link"
}

// ValidateStructure checks a magnet link is a well-formed URL carrying
// an xt=urn:btih: parameter.
func (v *Validator) ValidateStructure(magnet string) (bool, string) {
	parsed, err := url.Parse(magnet)
	if err != nil {
		return false, fmt.Sprintf("magnet parse error: %v", err)
	}
	if parsed.Scheme != "magnet" {
		return false, "non-magnet scheme detected"
	}

	params, err := url.ParseQuery(parsed.RawQuery)
	if err != nil {
		return false, fmt.Sprintf("magnet query parse error: %v", err)
	}

	xtValues := params["xt"]
	if len(xtValues) == 0 {
		return false, "missing 'xt' parameter"
	}

	found := false
	for _, xt := range xtValues {
		if strings.HasPrefix(xt, "urn:btih:") {
			found = true
			break
		}
	}
	if !found {
		return false, "missing 'urn:btih:' format"
	}

	return true, "valid magnet structure"
}

// BuildMagnet constructs a magnet link from a validated hash and an
// optional display name.
func (v *Validator) BuildMagnet(hash, displayName string) (bool, string, string) {
	valid, msg := v.ValidateHash(hash)
	if !valid {
		return false, "", "invalid hash: " + msg
	}
	clean := strings.ToLower(strings.TrimSpace(hash))

	magnet := "magnet:?xt=urn:btih:" + clean
	if displayName != "" {
		safe := strings.NewReplacer(" ", "%20", "&", "%26").Replace(displayName)
		magnet += "&dn=" + safe
	}

	if ok, err := v.ValidateStructure(magnet); !ok {
		return false, "", "constructed magnet invalid: " + err
	}
	return true, magnet, "magnet link constructed successfully"
}

// suspiciousChars mirrors the original validator's rejection of
// control/shell-hostile characters in a torrent filename.
var suspiciousChars = []string{"<", ">", "|", "\x00", "\n", "\r"}

// ValidateMetadata checks the required fields and basic sanity of a
// torrent's catalog entry before it is persisted.
func (v *Validator) ValidateMetadata(id, hash, filename, status string, size int64) (bool, string) {
	if id == "" {
		return false, "missing required field: id"
	}
	if hash == "" {
		return false, "missing required field: hash"
	}
	if filename == "" {
		return false, "missing required field: filename"
	}
	if status == "" {
		return false, "missing required field: status"
	}

	if valid, msg := v.ValidateHash(hash); !valid {
		return false, "invalid torrent hash: " + msg
	}

	if size < 0 {
		return false, "invalid file size"
	}

	if len(filename) > 255 {
		return false, "filename too long"
	}
	for _, c := range suspiciousChars {
		if strings.Contains(filename, c) {
			return false, "suspicious characters in filename"
		}
	}

	return true, "valid metadata"
}

func (v *Validator) cacheResult(key string, valid bool, message string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.cache[key]; !exists {
		if len(v.cacheKeys) >= maxCacheSize {
			evict := v.cacheKeys[:100]
			for _, k := range evict {
				delete(v.cache, k)
			}
			v.cacheKeys = v.cacheKeys[100:]
		}
		v.cacheKeys = append(v.cacheKeys, key)
	}
	v.cache[key] = cacheEntry{valid: valid, message: message}
}

// Blacklist adds hash to the permanent rejection list. Only
// well-formed SHA1 hashes are accepted — malformed input is ignored.
func (v *Validator) Blacklist(hash string) {
	clean := strings.ToLower(strings.TrimSpace(hash))
	if !sha1Pattern.MatchString(clean) {
		return
	}
	v.mu.Lock()
	v.blacklist[clean] = struct{}{}
	v.mu.Unlock()
}

// IsBlacklisted reports whether hash has been blacklisted.
func (v *Validator) IsBlacklisted(hash string) bool {
	clean := strings.ToLower(strings.TrimSpace(hash))
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.blacklist[clean]
	return ok
}

// CacheStats reports the current size of the memoization cache and
// blacklist, used by the control plane's /stats endpoint.
type CacheStats struct {
	CacheSize     int
	BlacklistSize int
}

func (v *Validator) CacheStats() CacheStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return CacheStats{CacheSize: len(v.cache), BlacklistSize: len(v.blacklist)}
}
