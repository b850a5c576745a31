// Package crawler holds the vocabulary every other package speaks: crawl
// jobs and the spiders that own them, fetch outcomes, origin keys, the
// Queue and Fetcher contracts, and the error kinds callers match on with
// errors.Is and errors.As.
package crawler
