package config

import (
	"fmt"
	"strings"

	"github.com/ncruces/go-strftime"

	"github.com/kbase/transferbox/checksum"
)

// file inclusion, naming, layout, and I/O parameters for transfers
type transferConfig struct {
	// if true, only files with extensions in MediaExtensions are transferred
	MediaOnly bool `json:"media_only_transfer" yaml:"media_only_transfer"`
	// lowercase extensions (with leading dots) of media files
	MediaExtensions []string `json:"media_extensions" yaml:"media_extensions"`
	// if true, destination filenames include the file's timestamp
	RenameWithTimestamp bool `json:"rename_with_timestamp" yaml:"rename_with_timestamp"`
	// if true, renamed files keep their original names via FilenameTemplate
	PreserveOriginalFilename bool `json:"preserve_original_filename" yaml:"preserve_original_filename"`
	// template for renamed files ({original} and {timestamp} are replaced)
	FilenameTemplate string `json:"filename_template" yaml:"filename_template"`
	// strftime-style format for file timestamps
	TimestampFormat string `json:"timestamp_format" yaml:"timestamp_format"`
	// if true, files are placed in folders named after their dates
	CreateDateFolders bool `json:"create_date_folders" yaml:"create_date_folders"`
	// strftime-style format for date folders (may contain slashes)
	DateFolderFormat string `json:"date_folder_format" yaml:"date_folder_format"`
	// if true, files are placed in a folder named after the source device
	CreateDeviceFolders bool `json:"create_device_folders" yaml:"create_device_folders"`
	// template for device folders ({device_name} is replaced)
	DeviceFolderTemplate string `json:"device_folder_template" yaml:"device_folder_template"`
	// if true, the source's directory structure is kept below the folders above
	PreserveFolderStructure bool `json:"preserve_folder_structure" yaml:"preserve_folder_structure"`
	// if true, each copied file is read back from the destination and checked
	VerifyTransfers bool `json:"verify_transfers" yaml:"verify_transfers"`
	// hash algorithm used for copies, verification, and manifests
	HashAlgorithm string `json:"hash_algorithm" yaml:"hash_algorithm"`
	// size of the copy buffer (bytes)
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
	// maximum number of concurrent workers for derivative generation
	MaxTransferThreads int `json:"max_transfer_threads" yaml:"max_transfer_threads"`
	// required free space at the destination as a multiple of the payload size
	SpaceMargin float64 `json:"space_margin" yaml:"space_margin"`
}

// extensions recognized as media when none are configured
var DefaultMediaExtensions = []string{
	".mp4", ".mov", ".mxf", ".avi", ".braw", ".r3d",
	".wav", ".aif", ".aiff",
	".crm", ".arw", ".raw", ".cr2",
	".jpg", ".jpeg", ".png", ".tiff", ".tif", ".dpx", ".exr",
	".xml", ".cdl", ".cube",
}

func defaultTransferConfig() transferConfig {
	return transferConfig{
		MediaOnly:                true,
		MediaExtensions:          DefaultMediaExtensions,
		RenameWithTimestamp:      true,
		PreserveOriginalFilename: true,
		FilenameTemplate:         "{original}_{timestamp}",
		TimestampFormat:          "%Y%m%d_%H%M%S",
		CreateDateFolders:        true,
		DateFolderFormat:         "%Y/%m/%d",
		CreateDeviceFolders:      false,
		DeviceFolderTemplate:     "{device_name}",
		PreserveFolderStructure:  true,
		VerifyTransfers:          true,
		HashAlgorithm:            checksum.DefaultAlgorithm,
		BufferSize:               checksum.DefaultBufferSize,
		MaxTransferThreads:       1,
		SpaceMargin:              1.1,
	}
}

func (params transferConfig) validate() error {
	for _, ext := range params.MediaExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("Invalid media extension: %s (must begin with '.')", ext)
		}
	}
	if params.MediaOnly && len(params.MediaExtensions) == 0 {
		return fmt.Errorf("media_only_transfer is set but no media_extensions were provided!")
	}
	if _, err := strftime.Layout(params.TimestampFormat); err != nil {
		return fmt.Errorf("Invalid timestamp_format '%s': %s", params.TimestampFormat, err)
	}
	if params.CreateDateFolders {
		if _, err := strftime.Layout(params.DateFolderFormat); err != nil {
			return fmt.Errorf("Invalid date_folder_format '%s': %s", params.DateFolderFormat, err)
		}
	}
	if params.RenameWithTimestamp && params.PreserveOriginalFilename &&
		!strings.Contains(params.FilenameTemplate, "{original}") {
		return fmt.Errorf("Invalid filename_template '%s': must contain {original}",
			params.FilenameTemplate)
	}
	if !checksum.Supported(params.HashAlgorithm) {
		return &checksum.UnsupportedAlgorithmError{Algorithm: params.HashAlgorithm}
	}
	if params.BufferSize < 4096 {
		return fmt.Errorf("Invalid buffer_size: %d (must be at least 4096)", params.BufferSize)
	}
	if params.MaxTransferThreads < 1 {
		return fmt.Errorf("Invalid max_transfer_threads: %d (must be positive)",
			params.MaxTransferThreads)
	}
	if params.SpaceMargin < 1 {
		return fmt.Errorf("Invalid space_margin: %g (must be at least 1)", params.SpaceMargin)
	}
	return nil
}

// returns the configured media extensions in lowercase
func (params transferConfig) Extensions() []string {
	exts := make([]string, len(params.MediaExtensions))
	for i, ext := range params.MediaExtensions {
		exts[i] = strings.ToLower(ext)
	}
	return exts
}
