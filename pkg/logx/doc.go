// Package logx wraps zerolog behind a small Logger value that stays live
// across config hot-reloads.
//
// A Service owns the sink configuration (console and/or JSON file) and can
// swap it at runtime with Apply(); Loggers handed out earlier keep writing
// to the new sinks. Derived loggers carry fixed fields added with With(),
// typically a "comp" field naming the owning service.
package logx
