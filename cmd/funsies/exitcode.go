package main

// errExitCode is a status-only error: cobra propagates it as a normal
// error, but main checks for it to pick a specific process exit code
// instead of always exiting 1, without printing a redundant "error:"
// line for what is really just a result, not a failure.
type errExitCode int

func (e errExitCode) Error() string { return "" }
