package share

// VERSION the release version
const VERSION = "0.3.1"

// PRVERSION the commit and build time, set at build
var PRVERSION = "DEV"

// BUILDNAME the executable name
const BUILDNAME = "relay"
