// Package app wires configuration, logging, telemetry and the license
// manager into one Application.
//
// # Initialization Flow
//
//  1. Initialize the global logger from the logging section
//  2. Initialize OpenTelemetry providers from the telemetry section
//  3. Build the license manager from the license section
//  4. Start the license file watcher unless disabled
//  5. Build the HTTP status adapter
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	application, err := app.NewApplication(cfg)
//	if err != nil {
//	    return err
//	}
//	defer application.Close(context.Background())
//	status, err := application.Check(ctx)
package app
