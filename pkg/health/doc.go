/*
Package health implements the readiness checks the orchestrator can wait on
after starting a service container.

Two checkers exist, both one-shot:

  - TCPChecker dials an address and succeeds when the connection opens.
  - HTTPChecker issues a GET and succeeds on a status in the accepted
    range (200-399 by default). Redirects are not followed. WithRootCAs
    lets it trust the deployment root for endpoints served with a
    CA-issued certificate.

FromReadiness turns a service's types.ReadinessCheck into a Checker, and
Wait polls it through the retry primitive:

	checker, err := health.FromReadiness(desc.Readiness)
	if err != nil {
		return err
	}
	if err := health.Wait(ctx, checker, 2*time.Second, 2*time.Minute, "api"); err != nil {
		// errors.Is(err, retry.ErrTimeout) when the service never came up
	}

Failed attempts are logged at debug level by the retry primitive; only the
final timeout reaches the caller.
*/
package health
