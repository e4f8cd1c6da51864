package app

// Version is the current version of livechat.
// This should be updated with each release.
const Version = "0.3.0"
