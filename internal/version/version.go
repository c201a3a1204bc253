// Package version holds the release version of the owner search module.
package version

// Current is stamped into images and logs. No "v" prefix.
const Current = "0.1.0"
