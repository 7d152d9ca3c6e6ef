/*
Package log provides structured logging for Overwatch using zerolog.

The package keeps a single process-wide zerolog.Logger that every other
package derives child loggers from. Until Init is called the logger discards
output, which keeps unit tests quiet.

# Usage

Initializing the Logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component Loggers:

	driverLog := log.WithComponent("driver")
	driverLog.Info().Str("mode", "standalone").Msg("Starting services")

Fields added to component loggers where they are in scope:

  - service: logical service name (ca, proxy, api, ui, broker, console)
  - run_id: identifier of one driver run
  - node_ordinal: this process's position in the node list
  - phase: the step of a service start that failed

# Levels

Transient conditions the system expects to recover from (the CA not yet
accepting connections, an image that still has to be pulled) are logged at
debug level. Anything that ends a startup run is logged at error level with
the service name, the phase, and the elapsed time.
*/
package log
