// Package crawler defines the domain types, collaborator interfaces, URL
// canonicalization, scope rules, and fetch error taxonomy shared by the
// frontier, politeness, fetcher, extractor, and coordinator packages.
package crawler
