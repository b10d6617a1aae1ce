package event

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/oklog/ulid/v2"
)

// Limits for the kind-30078 topic-post parameterized replaceable event.
const (
	MaxTopicPostBodyBytes  = 64 * 1024
	MaxTopicPostAttachment = 16
	maxTopicSlugLen        = 48
)

const topicPostKindTag = "topic-post"

var (
	slugRe   = regexp.MustCompile(`^[a-z0-9-]+$`)
	hex32Re  = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
	semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+(?:-[0-9A-Za-z.-]+)?(?:\+[0-9A-Za-z.-]+)?$`)
)

// topicPostContent is the JSON schema of a kind-30078 content body.
type topicPostContent struct {
	Body        string   `json:"body"`
	Attachments []string `json:"attachments"`
	Metadata    struct {
		AppVersion string `json:"app_version"`
		Edited     bool   `json:"edited"`
	} `json:"metadata"`
}

// ValidateKind30078 enforces the topic-post tag and content rules: a d tag
// of the form kukuri:topic:<slug>:post:<revision>, k equal to topic-post,
// t equal to topic:<slug>, an a tag binding kind, author, and identifier,
// and a JSON content body within size limits. All failures are
// ErrValidation and non-retriable.
func ValidateKind30078(ev *nostr.Event) error {
	if ev.Kind != KindTopicPost {
		return fmt.Errorf("%w: kind mismatch (expected %d, got %d)", ErrValidation, KindTopicPost, ev.Kind)
	}

	var (
		slug     string
		revision string
		hasD     bool
		hasK     bool
		topicTag string
		addrTag  string
	)

	for _, tag := range ev.Tags {
		if len(tag) == 0 {
			continue
		}
		switch tag[0] {
		case TagIdentifier:
			if hasD {
				return fmt.Errorf("%w: multiple d tags", ErrValidation)
			}
			if len(tag) != 2 {
				return fmt.Errorf("%w: d tag must have exactly one value", ErrValidation)
			}
			var err error
			slug, revision, err = parseTopicPostIdentifier(tag[1])
			if err != nil {
				return err
			}
			hasD = true
		case "k":
			if hasK {
				return fmt.Errorf("%w: multiple k tags", ErrValidation)
			}
			if len(tag) != 2 || tag[1] != topicPostKindTag {
				return fmt.Errorf("%w: k tag must equal %q", ErrValidation, topicPostKindTag)
			}
			hasK = true
		case TagHashtag:
			if len(tag) != 2 {
				return fmt.Errorf("%w: t tag must have exactly one value", ErrValidation)
			}
			topicTag = tag[1]
		case "a":
			if len(tag) != 2 {
				return fmt.Errorf("%w: a tag must have exactly one value", ErrValidation)
			}
			addrTag = tag[1]
		}
	}

	if !hasD {
		return fmt.Errorf("%w: missing d tag", ErrValidation)
	}
	if !hasK {
		return fmt.Errorf("%w: missing k tag", ErrValidation)
	}
	if topicTag == "" {
		return fmt.Errorf("%w: missing t tag", ErrValidation)
	}
	if expected := "topic:" + slug; topicTag != expected {
		return fmt.Errorf("%w: t tag must equal %q (got %q)", ErrValidation, expected, topicTag)
	}
	if addrTag == "" {
		return fmt.Errorf("%w: missing a tag", ErrValidation)
	}
	expectedAddr := fmt.Sprintf("%d:%s:kukuri:topic:%s:post:%s", KindTopicPost, ev.PubKey, slug, revision)
	if addrTag != expectedAddr {
		return fmt.Errorf("%w: a tag must equal %q (got %q)", ErrValidation, expectedAddr, addrTag)
	}

	return validateTopicPostContent(ev.Content)
}

func validateTopicPostContent(content string) error {
	var parsed topicPostContent
	dec := json.NewDecoder(strings.NewReader(content))
	if err := dec.Decode(&parsed); err != nil {
		return fmt.Errorf("%w: content must be a JSON object: %v", ErrValidation, err)
	}

	if len(parsed.Body) > MaxTopicPostBodyBytes {
		return fmt.Errorf("%w: body exceeds %d bytes", ErrValidation, MaxTopicPostBodyBytes)
	}
	if len(parsed.Attachments) > MaxTopicPostAttachment {
		return fmt.Errorf("%w: more than %d attachments", ErrValidation, MaxTopicPostAttachment)
	}
	for i, att := range parsed.Attachments {
		if att == "" {
			return fmt.Errorf("%w: attachment %d is empty", ErrValidation, i)
		}
		if !isASCII(att) {
			return fmt.Errorf("%w: attachment %d must be ASCII", ErrValidation, i)
		}
		lower := strings.ToLower(att)
		if !strings.HasPrefix(lower, "iroh://") && !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%w: attachment %d must start with iroh:// or https://", ErrValidation, i)
		}
	}

	if !semverRe.MatchString(parsed.Metadata.AppVersion) {
		return fmt.Errorf("%w: metadata.app_version %q is not a semantic version", ErrValidation, parsed.Metadata.AppVersion)
	}
	return nil
}

// parseTopicPostIdentifier splits kukuri:topic:<slug>:post:<revision> and
// validates both halves. Revisions are ULIDs (26-char Crockford base32) or
// 32 hex chars.
func parseTopicPostIdentifier(value string) (slug, revision string, err error) {
	rest, ok := strings.CutPrefix(value, "kukuri:topic:")
	if !ok {
		return "", "", fmt.Errorf("%w: d tag must start with kukuri:topic: (got %q)", ErrValidation, value)
	}
	slug, revision, ok = strings.Cut(rest, ":post:")
	if !ok {
		return "", "", fmt.Errorf("%w: d tag must contain :post: (got %q)", ErrValidation, value)
	}
	if slug == "" || len(slug) > maxTopicSlugLen || !slugRe.MatchString(slug) {
		return "", "", fmt.Errorf("%w: invalid topic slug %q", ErrValidation, slug)
	}
	if !validRevision(revision) {
		return "", "", fmt.Errorf("%w: invalid revision %q", ErrValidation, revision)
	}
	return slug, revision, nil
}

func validRevision(revision string) bool {
	if len(revision) == 26 {
		_, err := ulid.ParseStrict(strings.ToUpper(revision))
		return err == nil
	}
	return hex32Re.MatchString(revision)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}
