// Package autofetch schedules recurring whole-project fetches.
//
// Each project with auto-fetch enabled gets exactly one live schedule handle.
// Installing a schedule for a project that already has one replaces it; the
// old handle is canceled first. The first firing lands on the project's
// configured wall-clock time in its own time zone, after which the task
// repeats every interval-days.
//
// Firings run on a small worker pool so a slow fetch never blocks the timer
// machinery or another project's schedule.
package autofetch
