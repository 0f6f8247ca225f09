package relay

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/DerBlackAngel/stream-relay/internal/source"
	"github.com/DerBlackAngel/stream-relay/internal/supervisor"
)

// Destination is one outbound ingest endpoint.
type Destination struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"-" yaml:"url"`
}

// BuilderConfig configures the ffmpeg invocation.
type BuilderConfig struct {
	Sources     source.Set
	Program     string
	IngestBase  string
	StandbyFile string
	// Transcode re-encodes live sources instead of copying video.
	Transcode bool
}

// Builder produces launch specs for switch targets.
type Builder struct {
	cfg BuilderConfig
}

// NewBuilder validates cfg and returns a Builder.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if cfg.Sources.Len() == 0 {
		return nil, errors.New("sources are required")
	}
	if cfg.Program == "" {
		cfg.Program = "ffmpeg"
	}
	cfg.IngestBase = strings.TrimRight(strings.TrimSpace(cfg.IngestBase), "/")
	if cfg.IngestBase == "" {
		return nil, errors.New("ingest base url is required")
	}
	if strings.TrimSpace(cfg.StandbyFile) == "" {
		return nil, errors.New("standby file is required")
	}
	return &Builder{cfg: cfg}, nil
}

// Detector returns the mode detector matching this builder's command shapes.
func (b *Builder) Detector() Detector {
	return Detector{Sources: b.cfg.Sources, IngestBase: b.cfg.IngestBase, StandbyFile: b.cfg.StandbyFile}
}

var (
	x264Args = []string{
		"-c:v", "libx264", "-preset", "ultrafast", "-tune", "zerolatency", "-pix_fmt", "yuv420p",
		"-profile:v", "high", "-level", "4.1", "-g", "60", "-keyint_min", "60", "-sc_threshold", "0",
		"-x264-params", "keyint=60:min-keyint=60:scenecut=0",
	}
	commonArgs = []string{"-nostdin", "-hide_banner", "-loglevel", "info"}
)

// Build returns the worker spec relaying target to dest.
func (b *Builder) Build(target source.Name, dest Destination) (supervisor.LaunchSpec, error) {
	if strings.TrimSpace(dest.URL) == "" {
		return supervisor.LaunchSpec{}, fmt.Errorf("destination %q has no url", dest.Name)
	}

	args := append([]string(nil), commonArgs...)
	switch {
	case target == source.Standby:
		args = append(args, "-re", "-stream_loop", "-1", "-i", b.cfg.StandbyFile)
		args = append(args, x264Args...)
		args = append(args, "-b:v", "4500k", "-maxrate", "4500k", "-bufsize", "9000k")
		args = append(args, "-c:a", "aac", "-ar", "44100", "-b:a", "128k")
	case b.cfg.Sources.Contains(target):
		key := b.cfg.Sources.Key(target)
		if key == "" {
			return supervisor.LaunchSpec{}, fmt.Errorf("%w for %s", ErrMissingCredential, target)
		}
		args = append(args, "-i", b.cfg.IngestBase+"/"+string(target)+"/"+key)
		if b.cfg.Transcode {
			args = append(args, x264Args...)
			args = append(args, "-b:v", "6000k", "-maxrate", "6000k", "-bufsize", "12000k")
			args = append(args, "-c:a", "aac", "-ar", "44100", "-b:a", "128k")
		} else {
			args = append(args, "-c:v", "copy", "-c:a", "aac", "-ar", "44100", "-b:a", "160k")
		}
	default:
		return supervisor.LaunchSpec{}, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	args = append(args, "-f", "flv", dest.URL)

	return supervisor.LaunchSpec{
		Program: b.cfg.Program,
		Args:    args,
		Labels: map[string]string{
			LabelTarget:      string(target),
			LabelDestination: dest.Name,
			LabelManaged:     "true",
		},
	}, nil
}

// Mask is the replacement for secrets in displayed commands and logs.
const Mask = "***MASKED***"

var twitchKey = regexp.MustCompile(`(?i)(rtmps?://[a-z0-9.-]*twitch\.tv(?::\d+)?/app/)([^'"\s]+)`)

// Masker hides stream keys in text shown to operators.
type Masker struct {
	secrets []string
}

// NewMasker masks the last path segment of every destination URL and every
// source key.
func NewMasker(sources source.Set, destinations []Destination) *Masker {
	seen := make(map[string]struct{})
	var secrets []string
	add := func(secret string) {
		secret = strings.TrimSpace(secret)
		if len(secret) < 4 {
			return
		}
		if _, ok := seen[secret]; ok {
			return
		}
		seen[secret] = struct{}{}
		secrets = append(secrets, secret)
	}
	for _, name := range sources.Names() {
		add(sources.Key(name))
	}
	for _, dest := range destinations {
		if idx := strings.LastIndex(dest.URL, "/"); idx >= 0 && idx < len(dest.URL)-1 {
			add(dest.URL[idx+1:])
		}
	}
	// longest first so a key containing another key is replaced whole
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })
	return &Masker{secrets: secrets}
}

// Mask redacts known secrets and any twitch ingest key.
func (m *Masker) Mask(text string) string {
	text = twitchKey.ReplaceAllString(text, "${1}"+Mask)
	if m == nil {
		return text
	}
	for _, secret := range m.secrets {
		text = strings.ReplaceAll(text, secret, Mask)
	}
	return text
}
