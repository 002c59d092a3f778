// ABOUTME: Package maintenance runs the periodic cleanup sweep
// ABOUTME: Archives idle conversations and expires abandoned payment orders

// Package maintenance archives conversations that have gone quiet and
// cancels payment orders that were never completed. The sweep runs on a
// cron schedule inside the server and can be triggered once from the CLI.
package maintenance
