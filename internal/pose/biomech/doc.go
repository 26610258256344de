// Package biomech derives overlay signals from a single pose: centre of
// gravity, joint angles, body lean and jump height.
//
// All functions except JumpTracker are pure. Inputs are landmarks projected
// into pixel space, where Y grows downward.
package biomech
