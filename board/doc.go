// Package board manages connected MetaWear boards.
//
// A Registry owns one Connection per board address. Each Connection runs the
// board lifecycle state machine, watches its radio link for unexpected drops
// and applies a ReconnectPolicy. A Coordinator starts and stops sensor
// modules on a connected board and decides which modules may stream
// together: the accelerometer and sensor fusion are exclusive at full rate,
// but StartCombined runs both with the accelerometer at a reduced profile.
//
// Samples from every streaming module are delivered on Connection.Samples;
// advisories such as low battery or a dropped link on Connection.Events.
package board
