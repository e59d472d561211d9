// Package politeness gates requests per host: robots.txt rules resolved
// through a TTL cache, and a minimum interval between requests to the same
// host.
package politeness
