package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PipelineConfig holds the export pipeline tunables.
type PipelineConfig struct {
	Workers            int             `yaml:"workers"`
	MaxActivePerOwner  int             `yaml:"max_active_per_owner"`
	DownloadTTL        time.Duration   `yaml:"download_ttl"`
	MaxAttempts        int             `yaml:"max_attempts"`
	Backoff            []time.Duration `yaml:"backoff"`
	ResumeThreshold    int             `yaml:"resume_threshold"`
	TabularWindow      int             `yaml:"tabular_window"`
	PaginatedWindow    int             `yaml:"paginated_window"`
	RowsPerPage        int             `yaml:"rows_per_page"`
	TOCEntriesPerPage  int             `yaml:"toc_entries_per_page"`
	LeaseTTL           time.Duration   `yaml:"lease_ttl"`
	PollInterval       time.Duration   `yaml:"poll_interval"`
	SweepSchedule      string          `yaml:"sweep_schedule"`
	MaxBookletEntities int             `yaml:"max_booklet_entities"`
	WorkDir            string          `yaml:"work_dir"`
	NotifyTimeout      time.Duration   `yaml:"notify_timeout"`
}

// DefaultPipeline returns the built-in tunables.
func DefaultPipeline() PipelineConfig {
	return PipelineConfig{
		Workers:            4,
		MaxActivePerOwner:  5,
		DownloadTTL:        24 * time.Hour,
		MaxAttempts:        3,
		Backoff:            []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second},
		ResumeThreshold:    5,
		TabularWindow:      5000,
		PaginatedWindow:    1000,
		RowsPerPage:        20,
		TOCEntriesPerPage:  40,
		LeaseTTL:           2 * time.Minute,
		PollInterval:       time.Second,
		SweepSchedule:      "@every 1m",
		MaxBookletEntities: 100,
		NotifyTimeout:      10 * time.Second,
	}
}

// Validate rejects tunables the pipeline cannot run with.
func (p *PipelineConfig) Validate() error {
	var errs []error
	for _, f := range []struct {
		name  string
		value int
	}{
		{"workers", p.Workers},
		{"max_active_per_owner", p.MaxActivePerOwner},
		{"max_attempts", p.MaxAttempts},
		{"resume_threshold", p.ResumeThreshold},
		{"tabular_window", p.TabularWindow},
		{"paginated_window", p.PaginatedWindow},
		{"rows_per_page", p.RowsPerPage},
		{"toc_entries_per_page", p.TOCEntriesPerPage},
		{"max_booklet_entities", p.MaxBookletEntities},
	} {
		if f.value <= 0 {
			errs = append(errs, fmt.Errorf("pipeline %s must be positive", f.name))
		}
	}
	if p.DownloadTTL <= 0 || p.LeaseTTL <= 0 || p.PollInterval <= 0 {
		errs = append(errs, errors.New("pipeline durations must be positive"))
	}
	if len(p.Backoff) == 0 {
		errs = append(errs, errors.New("pipeline backoff schedule is empty"))
	}
	for i := 1; i < len(p.Backoff); i++ {
		if p.Backoff[i] < p.Backoff[i-1] {
			errs = append(errs, errors.New("pipeline backoff schedule must not decrease"))
			break
		}
	}
	return errors.Join(errs...)
}

// LoadPipelineFile overlays the keys present in a YAML file onto p.
func LoadPipelineFile(path string, p *PipelineConfig) error {
	f, err := os.Open(path) //nolint:gosec // path is operator-controlled
	if err != nil {
		return fmt.Errorf("open pipeline config: %w", err)
	}
	defer f.Close() //nolint:errcheck

	var doc struct {
		Pipeline *PipelineConfig `yaml:"pipeline"`
	}
	doc.Pipeline = p
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("parse pipeline config %s: %w", path, err)
	}
	return nil
}

func applyPipelineEnv(p *PipelineConfig) error {
	ints := map[string]*int{
		"EXPORT_WORKERS":              &p.Workers,
		"EXPORT_MAX_ACTIVE_PER_OWNER": &p.MaxActivePerOwner,
		"EXPORT_MAX_ATTEMPTS":         &p.MaxAttempts,
		"EXPORT_RESUME_THRESHOLD":     &p.ResumeThreshold,
		"EXPORT_TABULAR_WINDOW":       &p.TabularWindow,
		"EXPORT_PAGINATED_WINDOW":     &p.PaginatedWindow,
		"EXPORT_ROWS_PER_PAGE":        &p.RowsPerPage,
		"EXPORT_TOC_ENTRIES_PER_PAGE": &p.TOCEntriesPerPage,
		"EXPORT_MAX_BOOKLET_ENTITIES": &p.MaxBookletEntities,
	}
	for key, dst := range ints {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"EXPORT_DOWNLOAD_TTL":   &p.DownloadTTL,
		"EXPORT_LEASE_TTL":      &p.LeaseTTL,
		"EXPORT_POLL_INTERVAL":  &p.PollInterval,
		"EXPORT_NOTIFY_TIMEOUT": &p.NotifyTimeout,
	}
	for key, dst := range durations {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	if v := strings.TrimSpace(os.Getenv("EXPORT_BACKOFF")); v != "" {
		backoff, err := parseDurations(v)
		if err != nil {
			return fmt.Errorf("EXPORT_BACKOFF: %w", err)
		}
		p.Backoff = backoff
	}
	if v := strings.TrimSpace(os.Getenv("EXPORT_SWEEP_SCHEDULE")); v != "" {
		p.SweepSchedule = v
	}
	if v := strings.TrimSpace(os.Getenv("EXPORT_WORK_DIR")); v != "" {
		p.WorkDir = v
	}
	return nil
}

func parseDurations(s string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
