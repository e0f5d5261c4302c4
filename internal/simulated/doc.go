// Package simulated provides components standing for microscope hardware:
// a sensor producing images, a stage moving along its axes, a light source
// and the microscope root tying them together.
//
// They are what odemisd serves when no driver is configured, and what the
// tests of the remote runtime exercise.
package simulated
