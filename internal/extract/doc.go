// Package extract turns fetched HTML into structured page content.
//
// Two primary extractors are available (trafilatura-based and a goquery main
// node heuristic). Both are wrapped by Fallback, which degrades to a plain
// text extraction instead of failing the page and backfills metadata and
// links the primary did not produce.
package extract
