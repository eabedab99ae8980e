//go:build opencl

package host

import _ "medimg-accel/internal/device/opencl"
