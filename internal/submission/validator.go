// internal/submission/validator.go
// Package submission checks entry content against a battle's rules.
// All checks are pure: a rejected submission has no side effects.
package submission

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xeipuuv/gojsonschema"

	errordefs "github.com/RegistryAccord/registryaccord-battle-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/model"
)

// MaxAdditionalMedia caps the number of extra media items per entry.
const MaxAdditionalMedia = 5

// DefaultMediaHosts is used when no allow-list is configured.
var DefaultMediaHosts = []string{"media.registryaccord.com", "cdn.registryaccord.com"}

// contentSchema is the structural shape of model.Content.
const contentSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"enum": ["text", "image", "audio", "video", "mixed"]},
		"body": {"type": "string", "maxLength": 100000},
		"mediaUrl": {"type": "string", "maxLength": 2048},
		"duration": {"type": "number", "minimum": 0},
		"additionalMedia": {
			"type": "array",
			"maxItems": 5,
			"items": {
				"type": "object",
				"required": ["type", "url"],
				"properties": {
					"type": {"enum": ["image", "audio", "video"]},
					"url": {"type": "string", "maxLength": 2048},
					"duration": {"type": "number", "minimum": 0}
				}
			}
		},
		"tags": {"type": "array", "maxItems": 20, "items": {"type": "string", "maxLength": 64}}
	}
}`

var (
	scriptTag        = regexp.MustCompile(`(?i)<\s*/?\s*script\b`)
	javascriptScheme = regexp.MustCompile(`(?i)javascript\s*:`)
)

// extensions lists the accepted file extensions per media kind.
var extensions = map[model.MediaKind]map[string]bool{
	model.KindImage: {"jpg": true, "jpeg": true, "png": true, "gif": true, "webp": true},
	model.KindAudio: {"mp3": true, "wav": true, "ogg": true, "m4a": true},
	model.KindVideo: {"mp4": true, "webm": true, "mov": true},
}

// Validator validates entry content against battle rules.
type Validator struct {
	schema *gojsonschema.Schema
	hosts  []string
	logger *slog.Logger
}

// NewValidator compiles the content schema. hosts is the media host allow-list;
// a host matches when it equals an entry or is a subdomain of one.
func NewValidator(hosts []string, logger *slog.Logger) (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(contentSchema))
	if err != nil {
		return nil, fmt.Errorf("invalid content schema: %w", err)
	}
	if len(hosts) == 0 {
		hosts = DefaultMediaHosts
	}
	normalized := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			normalized = append(normalized, h)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{schema: schema, hosts: normalized, logger: logger}, nil
}

// Validate returns a validation error naming the first offending field, or nil.
func (v *Validator) Validate(battle model.Battle, content model.Content) error {
	if content.Kind == "" {
		return errordefs.Validation("content.type", "content type is required")
	}
	if err := v.validateShape(content); err != nil {
		return err
	}
	if !battle.Rules.Allows(content.Kind) {
		return errordefs.Validation("content.type",
			fmt.Sprintf("content type %q is not accepted by this battle", content.Kind))
	}

	if content.Body != "" {
		if err := checkUnsafe(content.Body); err != nil {
			return err
		}
	}

	switch content.Kind {
	case model.KindText:
		if content.MediaURL != "" {
			return errordefs.Validation("content.mediaUrl", "text entries cannot carry media")
		}
		if len(content.AdditionalMedia) > 0 {
			return errordefs.Validation("content.additionalMedia", "text entries cannot carry media")
		}
		if err := checkText(battle.Rules, content.Body); err != nil {
			return err
		}
	default:
		if err := v.checkMedia(battle.Rules, content); err != nil {
			return err
		}
	}

	if battle.Rules.Prompt != "" {
		v.logger.Debug("prompt keyword overlap",
			slog.String("battle_id", battle.ID),
			slog.Any("matched", KeywordOverlap(battle.Rules.Prompt, content.Tags)),
			slog.Int("tags", len(content.Tags)))
	}
	return nil
}

func (v *Validator) validateShape(content model.Content) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return errordefs.Validation("content", "content is not encodable")
	}
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return errordefs.Internal("content schema validation failed", err)
	}
	if result.Valid() {
		return nil
	}
	first := result.Errors()[0]
	field := "content"
	if f := first.Field(); f != "" && f != "(root)" {
		field = "content." + f
	}
	var msgs []string
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	e := errordefs.Validation(field, first.Description())
	e.Details = msgs
	return e
}

func checkUnsafe(body string) error {
	if scriptTag.MatchString(body) {
		return errordefs.Validation("content.body", "script tags are not allowed")
	}
	if javascriptScheme.MatchString(body) {
		return errordefs.Validation("content.body", "javascript: URLs are not allowed")
	}
	return nil
}

func checkText(rules model.Rules, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return errordefs.Validation("content.body", "body is required for text entries")
	}
	n := utf8.RuneCountInString(trimmed)
	if rules.MinLength > 0 && n < rules.MinLength {
		return errordefs.Validation("content.body",
			fmt.Sprintf("body must be at least %d characters", rules.MinLength))
	}
	if rules.MaxLength > 0 && n > rules.MaxLength {
		return errordefs.Validation("content.body",
			fmt.Sprintf("body must be at most %d characters", rules.MaxLength))
	}
	return nil
}

func (v *Validator) checkMedia(rules model.Rules, content model.Content) error {
	if content.MediaURL == "" && len(content.AdditionalMedia) == 0 {
		return errordefs.Validation("content.mediaUrl", "mediaUrl or additionalMedia is required")
	}
	if len(content.AdditionalMedia) > MaxAdditionalMedia {
		return errordefs.Validation("content.additionalMedia",
			fmt.Sprintf("at most %d additional media items are allowed", MaxAdditionalMedia))
	}

	if content.MediaURL != "" {
		kind := content.Kind
		if kind == model.KindMixed {
			kind = kindFromURL(content.MediaURL)
			if kind == "" {
				return errordefs.Validation("content.mediaUrl", "unsupported media file extension")
			}
		}
		if err := v.checkURL("content.mediaUrl", kind, content.MediaURL); err != nil {
			return err
		}
		if err := checkDuration("content.duration", rules, kind, content.Duration); err != nil {
			return err
		}
	}

	for i, item := range content.AdditionalMedia {
		field := fmt.Sprintf("content.additionalMedia[%d]", i)
		switch item.Type {
		case model.KindImage, model.KindAudio, model.KindVideo:
		default:
			return errordefs.Validation(field+".type", "media item type must be image, audio or video")
		}
		if content.Kind != model.KindMixed && item.Type != content.Kind {
			return errordefs.Validation(field+".type",
				fmt.Sprintf("media item type %q does not match entry type %q", item.Type, content.Kind))
		}
		if err := v.checkURL(field+".url", item.Type, item.URL); err != nil {
			return err
		}
		if err := checkDuration(field+".duration", rules, item.Type, item.Duration); err != nil {
			return err
		}
	}
	return nil
}

func checkDuration(field string, rules model.Rules, kind model.MediaKind, seconds float64) error {
	if kind != model.KindAudio && kind != model.KindVideo {
		return nil
	}
	if seconds <= 0 {
		return errordefs.Validation(field, fmt.Sprintf("duration is required for %s", kind))
	}
	if rules.MaxDuration > 0 && seconds > rules.MaxDuration {
		return errordefs.Validation(field,
			fmt.Sprintf("duration %.0fs exceeds the %.0fs limit", seconds, rules.MaxDuration))
	}
	return nil
}

func (v *Validator) checkURL(field string, kind model.MediaKind, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return errordefs.Validation(field, "media URL is malformed")
	}
	if u.Scheme != "https" {
		return errordefs.Validation(field, "media URL must use https")
	}
	if !v.hostAllowed(u.Hostname()) {
		return errordefs.Validation(field, fmt.Sprintf("media host %q is not allowed", u.Hostname()))
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	if !extensions[kind][ext] {
		return errordefs.Validation(field, fmt.Sprintf("file extension %q is not allowed for %s", ext, kind))
	}
	return nil
}

func (v *Validator) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, allowed := range v.hosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// kindFromURL infers the media kind of a URL from its extension.
func kindFromURL(raw string) model.MediaKind {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	for kind, exts := range extensions {
		if exts[ext] {
			return kind
		}
	}
	return ""
}

// KeywordOverlap returns the tags that also appear as words in prompt.
// The result is advisory only.
func KeywordOverlap(prompt string, tags []string) []string {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= 3 {
			words[w] = true
		}
	}
	matched := make([]string, 0)
	for _, tag := range tags {
		t := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(tag, "#")))
		if words[t] {
			matched = append(matched, t)
		}
	}
	return matched
}
