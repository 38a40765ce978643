// Package classify scores a repository's file listing against known
// mobile-framework fingerprints. Classification is a pure function of the
// file set: same files in, same verdict out, regardless of order.
package classify

import (
	"strings"

	"github.com/quashbugs/magnus/models"
)

// Platform identifiers.
const (
	PlatformAndroid     = "android"
	PlatformIOS         = "ios"
	PlatformReactNative = "react_native"
	PlatformFlutter     = "flutter"
)

// mobileThreshold is the score a platform must strictly exceed for the
// repository to count as a mobile project.
const mobileThreshold = 60

// platformOrder fixes the tie-break when two platforms score equal.
var platformOrder = []string{PlatformAndroid, PlatformIOS, PlatformReactNative, PlatformFlutter}

// Verdict is the classification result for one repository.
type Verdict struct {
	IsMobile bool
	Platform string
	Scores   map[string]int
}

// Classify scores the file listing for each supported platform and returns
// the winning verdict. The verdict is mobile only when the best score
// strictly exceeds the threshold; otherwise Platform is empty.
func Classify(files []models.RepoFile) Verdict {
	fs := newFileSet(files)

	scores := map[string]int{
		PlatformAndroid:     androidScore(fs),
		PlatformIOS:         iosScore(fs),
		PlatformReactNative: reactNativeScore(fs),
		PlatformFlutter:     flutterScore(fs),
	}

	best := ""
	bestScore := 0
	for _, p := range platformOrder {
		if scores[p] > bestScore {
			best = p
			bestScore = scores[p]
		}
	}

	if bestScore > mobileThreshold {
		return Verdict{IsMobile: true, Platform: best, Scores: scores}
	}
	return Verdict{IsMobile: false, Scores: scores}
}

// fileSet precomputes the membership checks the scorers need so each scorer
// stays a flat list of weighted conditions.
type fileSet struct {
	names map[string]bool
	paths []string
}

func newFileSet(files []models.RepoFile) *fileSet {
	fs := &fileSet{names: make(map[string]bool, len(files))}
	for _, f := range files {
		fs.names[f.Name] = true
		fs.paths = append(fs.paths, f.Path)
	}
	return fs
}

func (fs *fileSet) hasName(names ...string) bool {
	for _, n := range names {
		if fs.names[n] {
			return true
		}
	}
	return false
}

func (fs *fileSet) hasPathContaining(subs ...string) bool {
	for _, p := range fs.paths {
		for _, s := range subs {
			if strings.Contains(p, s) {
				return true
			}
		}
	}
	return false
}

func (fs *fileSet) hasPathPrefix(prefix string) bool {
	for _, p := range fs.paths {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func (fs *fileSet) hasSuffix(suffixes ...string) bool {
	for _, p := range fs.paths {
		for _, s := range suffixes {
			if strings.HasSuffix(p, s) {
				return true
			}
		}
	}
	return false
}

func (fs *fileSet) countSuffix(suffixes ...string) int {
	n := 0
	for _, p := range fs.paths {
		for _, s := range suffixes {
			if strings.HasSuffix(p, s) {
				n++
				break
			}
		}
	}
	return n
}

func (fs *fileSet) hasLayoutXML() bool {
	for _, p := range fs.paths {
		if strings.Contains(p, "res/layout/") && strings.HasSuffix(p, ".xml") {
			return true
		}
	}
	return false
}

func androidScore(fs *fileSet) int {
	score := 0
	if fs.hasName("AndroidManifest.xml") {
		score += 40
	}
	if fs.hasPathContaining("src/main/java/", "src/main/kotlin/") {
		score += 30
	}
	if fs.hasName("build.gradle", "build.gradle.kts") {
		score += 20
	}
	if fs.hasName("gradlew", "gradlew.bat") {
		score += 10
	}
	if fs.hasPathContaining("src/main/res/") {
		score += 20
	}
	if fs.countSuffix(".java", ".kt") > 5 {
		score += 15
	}
	if fs.hasLayoutXML() {
		score += 15
	}
	// Flutter projects carry generated Android scaffolding; suppress it.
	if fs.hasName("pubspec.yaml") || fs.hasPathContaining("lib/main.dart") {
		score -= 50
	}
	if score < 0 {
		score = 0
	}
	return score
}

func iosScore(fs *fileSet) int {
	score := 0
	if fs.hasSuffix(".xcodeproj", ".xcworkspace") {
		score += 30
	}
	if fs.hasName("Info.plist") {
		score += 20
	}
	if fs.hasName("AppDelegate.swift", "App.swift") {
		score += 20
	}
	if fs.hasName("Package.swift") {
		score += 20
	}
	if fs.hasPathContaining("/Views/", "/Models/", "/ViewModels/") {
		score += 15
	}
	if fs.countSuffix(".swift") > 5 {
		score += 15
	}
	if fs.hasSuffix(".storyboard", ".xib") {
		score += 10
	}
	return score
}

func reactNativeScore(fs *fileSet) int {
	score := 0
	if fs.hasName("package.json") {
		score += 20
	}
	if fs.hasName("App.js", "App.tsx") {
		score += 20
	}
	if fs.hasPathPrefix("android/") && fs.hasPathPrefix("ios/") {
		score += 30
	}
	if fs.countSuffix(".js", ".tsx") > 5 {
		score += 15
	}
	if fs.hasPathContaining("/components/", "/screens/") {
		score += 15
	}
	return score
}

func flutterScore(fs *fileSet) int {
	score := 0
	if fs.hasName("pubspec.yaml") {
		score += 40
	}
	if fs.hasPathContaining("lib/main.dart") {
		score += 40
	}
	if fs.hasName("flutter.gradle") {
		score += 30
	}
	if fs.countSuffix(".dart") > 5 {
		score += 20
	}
	if fs.hasPathContaining("lib/widgets/", "lib/screens/") {
		score += 20
	}
	if fs.hasPathPrefix("test/") || fs.hasPathContaining("/test/") {
		score += 10
	}
	if fs.hasName(".metadata") {
		score += 10
	}
	if fs.hasName("analysis_options.yaml") {
		score += 10
	}
	if fs.hasPathPrefix("android/") && fs.hasPathPrefix("ios/") {
		score += 20
	}
	return score
}
