// Copyright 2026 The sallyvm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package keep

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	abi "sallyvm.dev/sallyvm/pkg/abi/sev"
	"sallyvm.dev/sallyvm/pkg/sallyport"
	"sallyvm.dev/sallyvm/pkg/vm"
)

// Config parameterizes one keep. The zero value builds an unsigned guest
// with the default block size.
type Config struct {
	// Policy is the guest policy bitmask passed to launch start.
	Policy uint64 `toml:"policy"`

	// BlockSize is the sallyport block size in bytes. Zero means
	// sallyport.DefaultBlockSize. Must be a multiple of the page size.
	BlockSize uint64 `toml:"block_size"`

	// IDBlockPath and IDAuthPath name the guest owner's signature blobs.
	// Both empty means the guest launches unsigned; setting exactly one
	// is an error.
	IDBlockPath string `toml:"id_block"`
	IDAuthPath  string `toml:"id_auth"`

	// HostData is opaque data folded into the attestation report,
	// at most 32 bytes.
	HostData string `toml:"host_data"`

	// FDNames names the pre-opened file descriptors handed to the
	// guest, in descriptor order.
	FDNames []string `toml:"fd_names"`

	// Segments are the measured mappings to build, in order.
	Segments []SegmentConfig `toml:"segment"`

	// Ioctl overrides the ioctl implementation. Nil means the host.
	Ioctl vm.Ioctl `toml:"-"`
}

// SegmentConfig describes one measured mapping in the keep configuration.
type SegmentConfig struct {
	GPA       uint64 `toml:"gpa"`
	Size      uint64 `toml:"size"`
	Type      string `toml:"type"`
	Sallyport bool   `toml:"sallyport"`

	// Path names a file holding the segment's initial contents.
	Path string `toml:"path"`
}

var pageTypes = map[string]abi.PageType{
	"normal":     abi.PageTypeNormal,
	"vmsa":       abi.PageTypeVMSA,
	"zero":       abi.PageTypeZero,
	"unmeasured": abi.PageTypeUnmeasured,
	"secrets":    abi.PageTypeSecrets,
	"cpuid":      abi.PageTypeCPUID,
}

// Segment resolves the configuration entry into a mappable segment,
// reading the contents file when one is named.
func (sc *SegmentConfig) Segment() (Segment, error) {
	t, ok := pageTypes[sc.Type]
	if !ok {
		return Segment{}, fmt.Errorf("unknown segment type %q", sc.Type)
	}
	seg := Segment{
		GPA:       sc.GPA,
		Size:      sc.Size,
		PageType:  t,
		Sallyport: sc.Sallyport,
	}
	if sc.Path != "" {
		data, err := os.ReadFile(sc.Path)
		if err != nil {
			return Segment{}, fmt.Errorf("reading segment contents: %w", err)
		}
		seg.Data = data
	}
	return seg, nil
}

// LoadConfig reads a toml keep configuration.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("loading config %q: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BlockSize == 0 {
		out.BlockSize = sallyport.DefaultBlockSize
	}
	return out
}

func (c *Config) validate() error {
	if c.BlockSize%vm.PageSize != 0 {
		return fmt.Errorf("block size %#x is not a multiple of the page size", c.BlockSize)
	}
	if (c.IDBlockPath == "") != (c.IDAuthPath == "") {
		return fmt.Errorf("id_block and id_auth must be set together")
	}
	if len(c.HostData) > 32 {
		return fmt.Errorf("host_data is %d bytes, want at most 32", len(c.HostData))
	}
	return nil
}
