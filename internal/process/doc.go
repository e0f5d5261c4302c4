// Package process supervises the additional backend processes started by
// odemisd, typically other odemisd instances each hosting one container.
//
// A Manager runs one process in its own process group, logs its output,
// restarts it with exponential backoff when it exits on its own, and kills
// it when its health check keeps failing. A Group starts the processes
// declared in the configuration and stops them in reverse order.
//
//	g := process.NewGroup(cfg.Supervise, checkContainer)
//	if err := g.Start(ctx); err != nil {
//	    return err
//	}
//	defer g.Stop()
package process
