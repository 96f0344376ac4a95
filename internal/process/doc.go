// Package process supervises the optional UI process of the weather station.
//
// The UI is a separate executable that attaches to the value bridge. The
// supervisor starts it in its own process group, restarts it with
// exponential backoff when it exits, and kills it when its health check
// fails three times in a row. The usual health check is
// AttachHealthCheck: a UI that has not attached to the bridge within its
// grace period is considered hung.
//
// Example usage:
//
//	sup := process.NewSupervisor(process.FromUIConfig(cfg.UI, env))
//	sup.SetLogger(log)
//	if err := sup.Start(ctx); err != nil {
//	    return err
//	}
//	defer sup.Stop()
package process
