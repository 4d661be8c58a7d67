package downloader

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// LoadCookies reads a cookie file saved by the crawl command: one cookie per
// line as domain, path, name and value separated by tabs
func LoadCookies(path string) ([]*http.Cookie, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cookies []*http.Cookie
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if text == "" {
			continue
		}
		fields := strings.SplitN(text, "\t", 4)
		if len(fields) != 4 {
			return nil, fmt.Errorf("%s:%d: expected 4 tab separated fields", path, line)
		}
		cookies = append(cookies, &http.Cookie{
			Domain: fields[0],
			Path:   fields[1],
			Name:   fields[2],
			Value:  fields[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cookies, nil
}

func domainMatches(host, domain string) bool {
	domain = strings.TrimPrefix(strings.ToLower(domain), ".")
	host = strings.ToLower(host)
	return domain != "" && (host == domain || strings.HasSuffix(host, "."+domain))
}
