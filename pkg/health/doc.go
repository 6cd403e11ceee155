/*
Package health runs live checks against deployed servers.

Three checkers are provided:

  - TCPChecker: the port accepts connections
  - SSHChecker: an SSH login with the server's credentials succeeds
  - HandshakeChecker: an HTTPS handshake, trusting only the server's own
    certificate, returns a parsable response

ServerChecks picks the checks matching a server's capabilities and Run
executes them concurrently, collecting a Report.

	checks, err := health.ServerChecks(host, server, 10*time.Second)
	if err != nil {
		return err
	}
	report := health.Run(ctx, server.ID, checks)
	if !report.Healthy() {
		...
	}
*/
package health
