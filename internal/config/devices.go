package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/cxcap/internal/device"
	"github.com/smazurov/cxcap/internal/dma"
	"github.com/smazurov/cxcap/internal/stream"
)

// DeviceConfig is one [[devices]] table.
type DeviceConfig struct {
	Name    string   `toml:"name"`
	Streams []string `toml:"streams,omitempty"`
	// VBIFramesPerInterrupt of zero leaves VBI unconfigured.
	VBIFramesPerInterrupt uint32 `toml:"vbi_frames_per_interrupt,omitempty"`
	VBIEncSize            uint32 `toml:"vbi_enc_size,omitempty"`
	VBIInsertion          bool   `toml:"vbi_insertion,omitempty"`
	// CodecTable holds the [devices.codec] keys. They override DefaultCodec
	// into Codec.
	CodecTable map[string]any `toml:"codec,omitempty"`
	Codec      device.Codec   `toml:"-"`
}

type devicesFile struct {
	Devices []DeviceConfig `toml:"devices"`
}

// LoadDevices reads the [[devices]] tables of the file at path. A missing
// file or one without devices yields a single device called cx0.
func LoadDevices(path string) ([]DeviceConfig, error) {
	fallback := []DeviceConfig{{Name: "cx0", Codec: device.DefaultCodec()}}
	if path == "" {
		return fallback, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fallback, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read device config: %w", err)
	}

	var f devicesFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse device config: %w", err)
	}
	if len(f.Devices) == 0 {
		return fallback, nil
	}

	seen := make(map[string]bool)
	for i := range f.Devices {
		d := &f.Devices[i]
		if d.Name == "" {
			return nil, fmt.Errorf("device %d has no name", i)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("device %q defined twice", d.Name)
		}
		seen[d.Name] = true
		if err := d.decodeCodec(); err != nil {
			return nil, fmt.Errorf("device %s: codec: %w", d.Name, err)
		}
	}
	return f.Devices, nil
}

func (d *DeviceConfig) decodeCodec() error {
	d.Codec = device.DefaultCodec()
	if len(d.CodecTable) == 0 {
		return nil
	}
	raw, err := toml.Marshal(d.CodecTable)
	if err != nil {
		return err
	}
	return toml.Unmarshal(raw, &d.Codec)
}

// Apply copies the file settings onto cfg.
func (d DeviceConfig) Apply(cfg *device.Config) error {
	cfg.Name = d.Name
	if len(d.Streams) > 0 {
		types := make([]stream.Type, 0, len(d.Streams))
		for _, name := range d.Streams {
			t, err := stream.ParseType(name)
			if err != nil {
				return fmt.Errorf("device %s: %w", d.Name, err)
			}
			types = append(types, t)
		}
		cfg.Streams = types
	}
	if d.VBIFramesPerInterrupt > 0 {
		if d.VBIEncSize == 0 {
			return fmt.Errorf("device %s: vbi_enc_size required with vbi_frames_per_interrupt", d.Name)
		}
		cfg.VBI = dma.VBIConfig{EncSize: d.VBIEncSize, FramesPerInterrupt: d.VBIFramesPerInterrupt}
	}
	cfg.VBIInsertion = d.VBIInsertion
	cfg.Codec = d.Codec
	return nil
}
