// Package pdfgate is a multi-tenant HTML-to-PDF generation service.
//
// # Quick Start
//
// Create a service from a configuration, generate, and close when done:
//
//	svc, err := pdfgate.New(ctx, pdfgate.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
//	res, err := svc.Generate(ctx, pdfgate.Request{
//	    TenantID: "acme",
//	    HTML:     "<h1>Invoice</h1>",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	os.WriteFile("invoice.pdf", res.PDF, 0644)
//
// # Request Flow
//
// Every generation goes through the same stages:
//
//  1. Admission: monthly quota, then per-tenant rate limit
//  2. Document preparation (Markdown conversion, CSS injection)
//  3. Result cache lookup
//  4. Shard selection by tenant hash
//  5. Page lease from the shard's pool, render under a timeout, release
//
// Usage is counted after a successful generation, including cache hits.
//
// # Errors
//
// Failures wrap the sentinels in errors.go. Use errors.Is for the category
// and errors.As for details:
//
//	var rl *pdfgate.RateLimitError
//	if errors.As(err, &rl) {
//	    time.Sleep(rl.RetryAfter)
//	}
//
// # Pools
//
// Each shard keeps a bounded pool of warm browser pages. Idle and aged
// pages are evicted by a per-pool sweeper; a caller that cannot get a page
// within the acquire timeout receives ErrPoolExhausted.
package pdfgate
