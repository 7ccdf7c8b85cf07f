// Package config is the shared configuration surface for both binaries.
package config

type Config struct {
	HTTP struct {
		Addr string `cfg:"{'name': 'addr'}"`
	} `cfg:"{'name': 'http'}"`

	Store struct {
		Type string `cfg:"{'name': 'type'}"`
		URL  string `cfg:"{'name': 'url'}"`
	} `cfg:"{'name': 'store'}"`

	Catalog struct {
		URL string `cfg:"{'name': 'url'}"`
	} `cfg:"{'name': 'catalog'}"`

	Reports struct {
		URL string `cfg:"{'name': 'url'}"`
	} `cfg:"{'name': 'reports'}"`
}

const DefaultHTTPAddr = ":8080"
