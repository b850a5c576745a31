// Package spider loads spider definitions from YAML or JSON files.
//
// A definition looks like:
//
//	name: echojs
//	start_url: https://www.echojs.com/
//	scraper:
//	  follow: "article h2 a"
//	  fields:
//	    title: "title"
//
// start_urls may list several entries. Keys are case-insensitive.
package spider

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/JakeFAU/groupcrawl/internal/crawler"
)

// Load reads the definition at path from fs and builds a Spider.
func Load(fs afero.Fs, path string) (*crawler.Spider, error) {
	if path == "" {
		return nil, &crawler.ConfigurationError{Field: "spider", Reason: "definition path is required"}
	}
	v := viper.New()
	v.SetFs(fs)
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read spider definition %s: %w", path, err)
	}
	return FromViper(v)
}

// FromViper builds a Spider from an already populated Viper instance.
func FromViper(v *viper.Viper) (*crawler.Spider, error) {
	var urls []string
	if single := strings.TrimSpace(v.GetString("start_url")); single != "" {
		urls = append(urls, single)
	}
	for _, u := range v.GetStringSlice("start_urls") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	for _, u := range urls {
		if _, err := crawler.NormalizeURL(u); err != nil {
			return nil, &crawler.ConfigurationError{Field: "start_url", Reason: err.Error()}
		}
	}
	return crawler.NewSpider(v.GetString("name"), urls, v.GetStringMap("scraper"), v.AllSettings())
}
