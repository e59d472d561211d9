// Command sitecrawler runs incremental, polite site crawls.
//
// Architecture overview:
//   - HTTP API (serve): internal/api exposes health, metrics, job management,
//     and a WebSocket progress stream. Requests are normalized by the job
//     manager, persisted as pending, and queued for a bounded pool of runners.
//   - Crawl pipeline: each job runs in internal/coordinator. Workers pop the
//     job's frontier, wait for the per-host politeness slot, fetch through
//     colly with retries (optionally promoting to chromedp), classify the page
//     against its stored fingerprint, and extract and persist only new or
//     changed pages.
//   - Persistence and fanout: raw HTML and extracted JSON go to the blob store
//     (memory, local, or GCS); jobs and page records to memory or Postgres;
//     fingerprints to memory, badger, redis, or Postgres. Page events go to
//     Pub/Sub or Kafka when a topic is configured.
//   - Configuration and plumbing: Viper reads an optional file plus CRAWLER_*
//     environment variables; zap provides structured logging; Prometheus
//     metrics are served on /metrics.
//
// Quick checklist:
//   - Run the API locally: sitecrawler serve --config config.yaml
//   - One-shot crawl: sitecrawler crawl https://example.com/ --max-pages 50
//   - Cloud Run: the server honors PORT and drains running jobs on SIGTERM.
package main
