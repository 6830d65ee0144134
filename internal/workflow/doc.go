// Package workflow holds the data model shared by the scheduler, executor and
// pipeline runner: jobs, run requests, executions, stage results and the
// events published as executions move through their lifecycle.
package workflow
