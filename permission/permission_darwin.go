package permission

/*
#cgo CFLAGS: -x objective-c
#cgo LDFLAGS: -framework ApplicationServices -framework CoreGraphics -framework Foundation
#import <ApplicationServices/ApplicationServices.h>
#import <CoreGraphics/CoreGraphics.h>
#import <Foundation/Foundation.h>

bool isAccessibilityTrusted(bool prompt) {
    NSDictionary *opts = @{(__bridge id)kAXTrustedCheckOptionPrompt: @(prompt)};
    return AXIsProcessTrustedWithOptions((__bridge CFDictionaryRef)opts);
}

bool hasInputMonitoring() {
    if (@available(macOS 10.15, *)) {
        return CGPreflightListenEventAccess();
    }
    return true;
}

void requestInputMonitoring() {
    if (@available(macOS 10.15, *)) {
        CGRequestListenEventAccess();
    }
}
*/
import "C"

func check() Status {
	return Status{
		Accessibility:   bool(C.isAccessibilityTrusted(C.bool(false))),
		InputMonitoring: bool(C.hasInputMonitoring()),
	}
}

// request prompts for each grant st lacks.
func request(st Status) {
	if !st.Accessibility {
		C.isAccessibilityTrusted(C.bool(true))
	}
	if !st.InputMonitoring {
		C.requestInputMonitoring()
	}
}
