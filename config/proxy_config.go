package config

import (
	"fmt"
)

// parameters for generating low-resolution proxies of video files
type proxyConfig struct {
	// if true, proxies are generated after all files are verified
	GenerateProxies bool `json:"generate_proxies" yaml:"generate_proxies"`
	// name of the session subfolder that holds proxies
	ProxySubfolder string `json:"proxy_subfolder" yaml:"proxy_subfolder"`
	// if true (and a watermark image exists), proxies are watermarked
	IncludeWatermark bool `json:"include_proxy_watermark" yaml:"include_proxy_watermark"`
	// path to the watermark image
	WatermarkPath string `json:"proxy_watermark_path" yaml:"proxy_watermark_path"`
	// ffmpeg executable
	FFmpegPath string `json:"ffmpeg_path" yaml:"ffmpeg_path"`
}

func defaultProxyConfig() proxyConfig {
	return proxyConfig{
		ProxySubfolder:   "proxies",
		IncludeWatermark: true,
		FFmpegPath:       "ffmpeg",
	}
}

func (params proxyConfig) validate() error {
	if params.GenerateProxies {
		if params.ProxySubfolder == "" {
			return fmt.Errorf("generate_proxies is set but no proxy_subfolder was provided!")
		}
		if params.FFmpegPath == "" {
			return fmt.Errorf("generate_proxies is set but no ffmpeg_path was provided!")
		}
	}
	return nil
}
