// Package client is the EvidenceAnchor Go SDK.
//
// Producers use it to register fingerprints for anchoring and wait for
// confirmation; auditors use it to verify a fingerprint against the ledger.
//
// # Submitting evidence
//
//	c, err := client.New("https://anchor.example.com")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fp, _ := notary.FingerprintJSON(report)
//	res, err := c.Submit(ctx, fp.String(), "case-1138/report")
//	rec, err := c.WaitConfirmed(ctx, fp.String())
//	fmt.Println(rec.Status, *rec.ChainTimestamp)
//
// A repeated Submit for the same fingerprint returns the existing record with
// Duplicate set; it never creates a second ledger entry.
//
// # Verification
//
// Verify is read-only and answers from the ledger:
//
//	v, err := c.Verify(ctx, fp.String(), 1700000000)
//	if v.MatchesExpected { ... }
//
// Results for anchored fingerprints never change once final, so they can be
// cached with WithCacheTTL:
//
//	c, _ := client.New(baseURL, client.WithCacheTTL(5*time.Minute))
//
// # Operator actions
//
// Resubmit moves a Failed record back to Pending. Servers configured with an
// admin secret require WithAdminSecret.
package client
