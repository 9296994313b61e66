package schemagen

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Endpoint holds the coordinates of a database
type Endpoint struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	Params   map[string]string
}

// URL renders the endpoint as a postgres connection URL
func (e Endpoint) URL() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(e.Host, strconv.Itoa(e.Port)),
		Path:   "/" + e.Database,
	}
	if e.User != "" {
		if e.Password != "" {
			u.User = url.UserPassword(e.User, e.Password)
		} else {
			u.User = url.User(e.User)
		}
	}

	params := url.Values{}
	for k, v := range e.Params {
		params.Set(k, v)
	}
	if _, ok := e.Params["sslmode"]; !ok && isLoopback(e.Host) {
		params.Set("sslmode", "disable")
	}
	u.RawQuery = params.Encode()
	return u.String()
}

// Redacted renders the endpoint for logs without its password
func (e Endpoint) Redacted() string {
	return fmt.Sprintf("%s@%s/%s", e.User, net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.Database)
}

// ParseEndpoint parses a postgres://, postgresql:// or jdbc:postgresql:// URL.
// User and password given separately take precedence over credentials embedded in the URL.
func ParseEndpoint(rawURL, user, password string) (Endpoint, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" || strings.TrimSpace(user) == "" || password == "" {
		var missing []string
		if rawURL == "" {
			missing = append(missing, "url")
		}
		if strings.TrimSpace(user) == "" {
			missing = append(missing, "user")
		}
		if password == "" {
			missing = append(missing, "password")
		}
		return Endpoint{}, fmt.Errorf("%w: %s must be set", ErrMissingConfiguration, strings.Join(missing, ", "))
	}

	rawURL = strings.TrimPrefix(rawURL, "jdbc:")
	u, err := url.Parse(rawURL)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: invalid database url: %v", ErrMissingConfiguration, err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return Endpoint{}, fmt.Errorf("%w: unsupported database url scheme %q", ErrMissingConfiguration, u.Scheme)
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("%w: database url has no host", ErrMissingConfiguration)
	}

	port := 5432
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: invalid port %q", ErrMissingConfiguration, p)
		}
	}

	database := strings.TrimPrefix(u.Path, "/")
	if database == "" {
		database = "postgres"
	}

	endpoint := Endpoint{
		Host:     u.Hostname(),
		Port:     port,
		Database: database,
		User:     user,
		Password: password,
	}

	// jdbc URLs carry user/password as query parameters; drop them in favour of the explicit ones
	for k, vs := range u.Query() {
		if k == "user" || k == "password" || len(vs) == 0 {
			continue
		}
		if endpoint.Params == nil {
			endpoint.Params = make(map[string]string)
		}
		endpoint.Params[k] = vs[0]
	}

	return endpoint, nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
