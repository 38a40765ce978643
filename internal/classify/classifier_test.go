package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quashbugs/magnus/models"
)

func file(name, path string) models.RepoFile {
	return models.RepoFile{Name: name, Path: path, Type: models.FileTypeFile}
}

func TestClassifyAndroidProject(t *testing.T) {
	files := []models.RepoFile{
		file("AndroidManifest.xml", "app/src/main/AndroidManifest.xml"),
		file("build.gradle", "build.gradle"),
		file("gradlew", "gradlew"),
		file("MainActivity.kt", "app/src/main/kotlin/com/acme/MainActivity.kt"),
		file("strings.xml", "app/src/main/res/values/strings.xml"),
	}
	v := Classify(files)
	assert.True(t, v.IsMobile)
	assert.Equal(t, PlatformAndroid, v.Platform)
}

func TestClassifyFlutterSuppressesAndroidScaffolding(t *testing.T) {
	// Flutter repos ship generated android/ and ios/ trees that would
	// otherwise score as native projects.
	files := []models.RepoFile{
		file("pubspec.yaml", "pubspec.yaml"),
		file("main.dart", "lib/main.dart"),
		file("build.gradle", "android/build.gradle"),
		file("AndroidManifest.xml", "android/app/src/main/AndroidManifest.xml"),
		file("Info.plist", "ios/Runner/Info.plist"),
		file("home.dart", "lib/screens/home.dart"),
		file(".metadata", ".metadata"),
	}
	v := Classify(files)
	assert.True(t, v.IsMobile)
	assert.Equal(t, PlatformFlutter, v.Platform)
	assert.Less(t, v.Scores[PlatformAndroid], mobileThreshold, "android score should be suppressed")
}

func TestClassifyReactNativeProject(t *testing.T) {
	files := []models.RepoFile{
		file("package.json", "package.json"),
		file("App.tsx", "App.tsx"),
		file("index.js", "index.js"),
		file("build.gradle", "android/build.gradle"),
		file("Info.plist", "ios/App/Info.plist"),
		file("Button.tsx", "src/components/Button.tsx"),
		file("Home.tsx", "src/screens/Home.tsx"),
	}
	v := Classify(files)
	assert.True(t, v.IsMobile)
	assert.Equal(t, PlatformReactNative, v.Platform)
}

func TestClassifyThresholdIsStrict(t *testing.T) {
	// Manifest (+40) and gradle build file (+20) score exactly the
	// threshold, which must not count as mobile.
	atThreshold := []models.RepoFile{
		file("AndroidManifest.xml", "AndroidManifest.xml"),
		file("build.gradle", "build.gradle"),
	}
	v := Classify(atThreshold)
	assert.Equal(t, 60, v.Scores[PlatformAndroid])
	assert.False(t, v.IsMobile)
	assert.Empty(t, v.Platform)

	// One more signal pushes it over.
	aboveThreshold := append(atThreshold, file("gradlew", "gradlew"))
	v = Classify(aboveThreshold)
	assert.Equal(t, 70, v.Scores[PlatformAndroid])
	assert.True(t, v.IsMobile)
	assert.Equal(t, PlatformAndroid, v.Platform)
}

func TestClassifyTieBreakIsDeterministic(t *testing.T) {
	// Android and iOS both score 70; the fixed platform order decides.
	files := []models.RepoFile{
		file("AndroidManifest.xml", "app/src/main/AndroidManifest.xml"),
		file("Main.java", "app/src/main/java/com/acme/Main.java"),
		file("project.pbxproj", "Acme.xcodeproj"),
		file("Info.plist", "Acme/Info.plist"),
		file("AppDelegate.swift", "Acme/AppDelegate.swift"),
	}
	v := Classify(files)
	assert.Equal(t, v.Scores[PlatformAndroid], v.Scores[PlatformIOS])
	assert.Equal(t, PlatformAndroid, v.Platform)
}

func TestClassifyOrderIndependent(t *testing.T) {
	files := []models.RepoFile{
		file("pubspec.yaml", "pubspec.yaml"),
		file("main.dart", "lib/main.dart"),
		file("home.dart", "lib/screens/home.dart"),
		file("build.gradle", "android/build.gradle"),
		file("Info.plist", "ios/Runner/Info.plist"),
	}
	forward := Classify(files)

	reversed := make([]models.RepoFile, len(files))
	for i, f := range files {
		reversed[len(files)-1-i] = f
	}
	backward := Classify(reversed)

	assert.Equal(t, forward, backward)
}

func TestClassifyEmptyListing(t *testing.T) {
	v := Classify(nil)
	assert.False(t, v.IsMobile)
	assert.Empty(t, v.Platform)
}
